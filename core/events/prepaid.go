package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	// TypePrepaidCardCreated is emitted for every card wallet funded by the
	// manager, whether issued directly or produced by a split.
	TypePrepaidCardCreated = "prepaid.card_created"
	// TypePrepaidCardSplit is emitted once a card has been split into new
	// cards.
	TypePrepaidCardSplit = "prepaid.card_split"
	// TypePrepaidCardSold is emitted when card ownership moved to a new owner.
	TypePrepaidCardSold = "prepaid.card_sold"
	// TypePrepaidCardPaid is emitted after a card paid a merchant.
	TypePrepaidCardPaid = "prepaid.card_paid"
	// TypePrepaidConfigUpdated is emitted after any privileged configuration
	// change on the manager.
	TypePrepaidConfigUpdated = "prepaid.config_updated"
)

// PrepaidCardCreated records a freshly issued card wallet.
type PrepaidCardCreated struct {
	Issuer common.Address
	Card   common.Address
	Token  common.Address
	Amount *big.Int
	Spend  *big.Int
	// Source is the card that was split to fund this one, zero for direct
	// issuance.
	Source common.Address
}

// EventType satisfies the Event interface.
func (PrepaidCardCreated) EventType() string { return TypePrepaidCardCreated }

// Event converts the payload into its wire representation.
func (e PrepaidCardCreated) Event() *types.Event {
	attrs := map[string]string{
		"issuer": addressAttr(e.Issuer),
		"card":   addressAttr(e.Card),
		"token":  addressAttr(e.Token),
		"amount": amountAttr(e.Amount),
		"spend":  amountAttr(e.Spend),
	}
	if e.Source != (common.Address{}) {
		attrs["source"] = addressAttr(e.Source)
	}
	return &types.Event{Type: TypePrepaidCardCreated, Attributes: attrs}
}

// PrepaidCardSplit records the split of a card into new cards.
type PrepaidCardSplit struct {
	Card    common.Address
	Issuer  common.Address
	Token   common.Address
	Amounts []*big.Int
	Nonce   uint64
	// Relayer submitted the signed split.
	Relayer common.Address
}

// EventType satisfies the Event interface.
func (PrepaidCardSplit) EventType() string { return TypePrepaidCardSplit }

// Event converts the payload into its wire representation.
func (e PrepaidCardSplit) Event() *types.Event {
	return &types.Event{Type: TypePrepaidCardSplit, Attributes: map[string]string{
		"card":    addressAttr(e.Card),
		"issuer":  addressAttr(e.Issuer),
		"token":   addressAttr(e.Token),
		"amounts": amountsAttr(e.Amounts),
		"nonce":   strconv.FormatUint(e.Nonce, 10),
		"relayer": addressAttr(e.Relayer),
	}}
}

// PrepaidCardSold records an ownership transfer of a card.
type PrepaidCardSold struct {
	Card    common.Address
	From    common.Address
	To      common.Address
	Nonce   uint64
	Relayer common.Address
}

// EventType satisfies the Event interface.
func (PrepaidCardSold) EventType() string { return TypePrepaidCardSold }

// Event converts the payload into its wire representation.
func (e PrepaidCardSold) Event() *types.Event {
	return &types.Event{Type: TypePrepaidCardSold, Attributes: map[string]string{
		"card":    addressAttr(e.Card),
		"from":    addressAttr(e.From),
		"to":      addressAttr(e.To),
		"nonce":   strconv.FormatUint(e.Nonce, 10),
		"relayer": addressAttr(e.Relayer),
	}}
}

// PrepaidCardPaid correlates a card payment with the wallet nonce it consumed
// and the account that relayed it.
type PrepaidCardPaid struct {
	Card     common.Address
	Merchant common.Address
	Token    common.Address
	Amount   *big.Int
	Nonce    uint64
	Relayer  common.Address
}

// EventType satisfies the Event interface.
func (PrepaidCardPaid) EventType() string { return TypePrepaidCardPaid }

// Event converts the payload into its wire representation.
func (e PrepaidCardPaid) Event() *types.Event {
	return &types.Event{Type: TypePrepaidCardPaid, Attributes: map[string]string{
		"card":     addressAttr(e.Card),
		"merchant": addressAttr(e.Merchant),
		"token":    addressAttr(e.Token),
		"amount":   amountAttr(e.Amount),
		"nonce":    strconv.FormatUint(e.Nonce, 10),
		"relayer":  addressAttr(e.Relayer),
	}}
}

// PrepaidConfigUpdated records a privileged configuration change.
type PrepaidConfigUpdated struct {
	Setting string
	Value   string
	By      common.Address
}

// EventType satisfies the Event interface.
func (PrepaidConfigUpdated) EventType() string { return TypePrepaidConfigUpdated }

// Event converts the payload into its wire representation.
func (e PrepaidConfigUpdated) Event() *types.Event {
	return &types.Event{Type: TypePrepaidConfigUpdated, Attributes: map[string]string{
		"setting": e.Setting,
		"value":   e.Value,
		"by":      addressAttr(e.By),
	}}
}
