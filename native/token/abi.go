package token

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

const tokenABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferAndCall","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// ABI is the call interface understood by Ledger.Handle.
var ABI = mustParseABI(tokenABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("token: parse abi: %v", err))
	}
	return parsed
}

// Call is a decoded token method invocation.
type Call struct {
	Method string
	To     common.Address
	Amount *big.Int
	Data   []byte
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ABI.Pack("transfer", to, amount)
}

// PackTransferAndCall encodes transferAndCall(to, amount, data).
func PackTransferAndCall(to common.Address, amount *big.Int, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return ABI.Pack("transferAndCall", to, amount, data)
}

// DecodeCall parses calldata addressed to a token.
func DecodeCall(calldata []byte) (*Call, error) {
	if len(calldata) < 4 {
		return nil, cerrors.Wrap(cerrors.ErrUnknownMethod, "calldata shorter than a selector")
	}
	method, err := ABI.MethodById(calldata[:4])
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrUnknownMethod, "selector %x", calldata[:4])
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: %v", method.Name, err)
	}
	call := &Call{Method: method.Name}
	var ok bool
	if call.To, ok = args[0].(common.Address); !ok {
		return nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: bad recipient", method.Name)
	}
	if call.Amount, ok = args[1].(*big.Int); !ok {
		return nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: bad amount", method.Name)
	}
	if method.Name == "transferAndCall" {
		if call.Data, ok = args[2].([]byte); !ok {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: bad data", method.Name)
		}
	}
	return call, nil
}

// IsTransferAndCall reports whether calldata targets transferAndCall.
func IsTransferAndCall(calldata []byte) bool {
	return len(calldata) >= 4 && bytes.Equal(calldata[:4], ABI.Methods["transferAndCall"].ID)
}
