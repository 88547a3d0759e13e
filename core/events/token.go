package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	TypeTokenTransfer = "token.transfer"
	TypeTokenMint     = "token.mint"
	TypeTokenBurn     = "token.burn"
)

// TokenTransfer records a balance movement between two accounts. Data holds
// the payload forwarded by transferAndCall, if any.
type TokenTransfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
	Data   []byte
}

// EventType satisfies the Event interface.
func (TokenTransfer) EventType() string { return TypeTokenTransfer }

// Event converts the payload into its wire representation.
func (e TokenTransfer) Event() *types.Event {
	attrs := map[string]string{
		"token":  addressAttr(e.Token),
		"from":   addressAttr(e.From),
		"to":     addressAttr(e.To),
		"amount": amountAttr(e.Amount),
	}
	if len(e.Data) > 0 {
		attrs["data"] = hexutil.Encode(e.Data)
	}
	return &types.Event{Type: TypeTokenTransfer, Attributes: attrs}
}

// TokenMint records newly issued supply.
type TokenMint struct {
	Token  common.Address
	To     common.Address
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (TokenMint) EventType() string { return TypeTokenMint }

// Event converts the payload into its wire representation.
func (e TokenMint) Event() *types.Event {
	return &types.Event{Type: TypeTokenMint, Attributes: map[string]string{
		"token":  addressAttr(e.Token),
		"to":     addressAttr(e.To),
		"amount": amountAttr(e.Amount),
	}}
}

// TokenBurn records destroyed supply.
type TokenBurn struct {
	Token  common.Address
	From   common.Address
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (TokenBurn) EventType() string { return TypeTokenBurn }

// Event converts the payload into its wire representation.
func (e TokenBurn) Event() *types.Event {
	return &types.Event{Type: TypeTokenBurn, Attributes: map[string]string{
		"token":  addressAttr(e.Token),
		"from":   addressAttr(e.From),
		"amount": amountAttr(e.Amount),
	}}
}
