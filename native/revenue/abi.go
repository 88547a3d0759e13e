package revenue

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

const poolABIJSON = `[
  {"type":"function","name":"claimTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// ABI lists the calls merchant wallets may send to the pool.
var ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		panic(fmt.Sprintf("revenue: parse abi: %v", err))
	}
	return parsed
}()

var merchantPayload = func() abi.Arguments {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(fmt.Sprintf("revenue: address type: %v", err))
	}
	return abi.Arguments{{Name: "merchant", Type: addressType}}
}()

// EncodeMerchantPayload encodes the transferAndCall data naming the merchant a
// payment is for.
func EncodeMerchantPayload(merchant common.Address) ([]byte, error) {
	return merchantPayload.Pack(merchant)
}

// DecodeMerchantPayload reverses EncodeMerchantPayload.
func DecodeMerchantPayload(data []byte) (common.Address, error) {
	values, err := merchantPayload.Unpack(data)
	if err != nil {
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidPayload, "merchant payload: %v", err)
	}
	merchant, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidPayload, "merchant payload: not an address")
	}
	return merchant, nil
}

// PackClaimTokens encodes claimTokens(token, amount).
func PackClaimTokens(token common.Address, amount *big.Int) ([]byte, error) {
	return ABI.Pack("claimTokens", token, amount)
}
