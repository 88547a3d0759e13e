package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	TypeMerchantRegistered = "revenue.merchant_registered"
	TypeCustomerPayment    = "revenue.customer_payment"
	TypeMerchantClaim      = "revenue.merchant_claim"
	TypeExchangeCreated    = "revenue.exchange_created"
)

// MerchantRegistered records the creation of a merchant wallet.
type MerchantRegistered struct {
	Merchant   common.Address
	Owner      common.Address
	OffChainID string
}

// EventType satisfies the Event interface.
func (MerchantRegistered) EventType() string { return TypeMerchantRegistered }

// Event converts the payload into its wire representation.
func (e MerchantRegistered) Event() *types.Event {
	return &types.Event{Type: TypeMerchantRegistered, Attributes: map[string]string{
		"merchant":   addressAttr(e.Merchant),
		"owner":      addressAttr(e.Owner),
		"offChainId": e.OffChainID,
	}}
}

// CustomerPayment records a card payment settled by the revenue pool and the
// SPEND minted for it.
type CustomerPayment struct {
	Card     common.Address
	Merchant common.Address
	Token    common.Address
	Amount   *big.Int
	Fee      *big.Int
	Spend    *big.Int
}

// EventType satisfies the Event interface.
func (CustomerPayment) EventType() string { return TypeCustomerPayment }

// Event converts the payload into its wire representation.
func (e CustomerPayment) Event() *types.Event {
	return &types.Event{Type: TypeCustomerPayment, Attributes: map[string]string{
		"card":     addressAttr(e.Card),
		"merchant": addressAttr(e.Merchant),
		"token":    addressAttr(e.Token),
		"amount":   amountAttr(e.Amount),
		"fee":      amountAttr(e.Fee),
		"spend":    amountAttr(e.Spend),
	}}
}

// MerchantClaim records revenue withdrawn by a merchant.
type MerchantClaim struct {
	Merchant common.Address
	Token    common.Address
	Amount   *big.Int
}

// EventType satisfies the Event interface.
func (MerchantClaim) EventType() string { return TypeMerchantClaim }

// Event converts the payload into its wire representation.
func (e MerchantClaim) Event() *types.Event {
	return &types.Event{Type: TypeMerchantClaim, Attributes: map[string]string{
		"merchant": addressAttr(e.Merchant),
		"token":    addressAttr(e.Token),
		"amount":   amountAttr(e.Amount),
	}}
}

// ExchangeCreated records a token symbol bound to a price oracle.
type ExchangeCreated struct {
	Symbol string
	Oracle common.Address
}

// EventType satisfies the Event interface.
func (ExchangeCreated) EventType() string { return TypeExchangeCreated }

// Event converts the payload into its wire representation.
func (e ExchangeCreated) Event() *types.Event {
	return &types.Event{Type: TypeExchangeCreated, Attributes: map[string]string{
		"symbol": e.Symbol,
		"oracle": addressAttr(e.Oracle),
	}}
}
