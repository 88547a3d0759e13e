package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

const walletABIJSON = `[
  {"type":"function","name":"swapOwner","stateMutability":"nonpayable",
   "inputs":[{"name":"oldOwner","type":"address"},{"name":"newOwner","type":"address"}],"outputs":[]},
  {"type":"function","name":"addOwnerWithThreshold","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"threshold","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"changeThreshold","stateMutability":"nonpayable",
   "inputs":[{"name":"threshold","type":"uint256"}],"outputs":[]}
]`

// ABI lists the owner-management calls a wallet accepts from itself.
var ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(walletABIJSON))
	if err != nil {
		panic(fmt.Sprintf("wallet: parse abi: %v", err))
	}
	return parsed
}()

// PackSwapOwner encodes swapOwner(oldOwner, newOwner).
func PackSwapOwner(oldOwner, newOwner common.Address) ([]byte, error) {
	return ABI.Pack("swapOwner", oldOwner, newOwner)
}

// PackAddOwnerWithThreshold encodes addOwnerWithThreshold(owner, threshold).
func PackAddOwnerWithThreshold(owner common.Address, threshold uint64) ([]byte, error) {
	return ABI.Pack("addOwnerWithThreshold", owner, new(big.Int).SetUint64(threshold))
}

// PackChangeThreshold encodes changeThreshold(threshold).
func PackChangeThreshold(threshold uint64) ([]byte, error) {
	return ABI.Pack("changeThreshold", new(big.Int).SetUint64(threshold))
}

type selfCall struct {
	method string
	args   []interface{}
}

func decodeSelfCall(data []byte) (*selfCall, error) {
	if len(data) < 4 {
		return nil, cerrors.Wrap(cerrors.ErrUnknownMethod, "wallet calldata shorter than a selector")
	}
	method, err := ABI.MethodById(data[:4])
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrUnknownMethod, "wallet selector %x", data[:4])
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: %v", method.Name, err)
	}
	return &selfCall{method: method.Name, args: args}, nil
}

func (c *selfCall) address(i int) (common.Address, error) {
	addr, ok := c.args[i].(common.Address)
	if !ok {
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: argument %d is not an address", c.method, i)
	}
	return addr, nil
}

func (c *selfCall) uint(i int) (uint64, error) {
	v, ok := c.args[i].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0, cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: argument %d is not a uint64", c.method, i)
	}
	return v.Uint64(), nil
}
