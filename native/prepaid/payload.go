package prepaid

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

// ownerCallsABI lists the wallet self-calls the manager asks a card to run.
const ownerCallsABI = `[
  {"type":"function","name":"swapOwner","stateMutability":"nonpayable",
   "inputs":[{"name":"oldOwner","type":"address"},{"name":"newOwner","type":"address"}],"outputs":[]}
]`

var walletABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ownerCallsABI))
	if err != nil {
		panic(fmt.Sprintf("prepaid: parse abi: %v", err))
	}
	return parsed
}()

var issuancePayload = func() abi.Arguments {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(fmt.Sprintf("prepaid: address type: %v", err))
	}
	amountsType, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(fmt.Sprintf("prepaid: uint256[] type: %v", err))
	}
	return abi.Arguments{
		{Name: "owner", Type: addressType},
		{Name: "amounts", Type: amountsType},
	}
}()

// EncodeIssuance encodes the transferAndCall data that asks the manager to
// create one card per amount, all owned by owner.
func EncodeIssuance(owner common.Address, amounts []*big.Int) ([]byte, error) {
	if amounts == nil {
		amounts = []*big.Int{}
	}
	return issuancePayload.Pack(owner, amounts)
}

// DecodeIssuance reverses EncodeIssuance.
func DecodeIssuance(data []byte) (common.Address, []*big.Int, error) {
	values, err := issuancePayload.Unpack(data)
	if err != nil {
		return common.Address{}, nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "issuance payload: %v", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "issuance owner")
	}
	amounts, ok := values[1].([]*big.Int)
	if !ok {
		return common.Address{}, nil, cerrors.Wrap(cerrors.ErrInvalidPayload, "issuance amounts")
	}
	return owner, amounts, nil
}

func packSwapOwner(from, to common.Address) ([]byte, error) {
	return walletABI.Pack("swapOwner", from, to)
}
