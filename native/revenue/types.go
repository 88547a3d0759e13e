package revenue

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	RoleRevenueOwner = "ROLE_REVENUE_OWNER"
	RoleRevenueTally = "ROLE_REVENUE_TALLY"
)

// FeeDenominator expresses merchant fees in parts per million.
const FeeDenominator = 1_000_000

// spendMultiplier converts one USD to SPEND.
const spendMultiplier = 100

// Config is the pool configuration aggregate.
type Config struct {
	SpendToken          common.Address
	PayableTokens       []common.Address
	MerchantFeeReceiver common.Address
	MerchantFeePPM      uint64
	Tallys              []common.Address
}

type storedConfig struct {
	SpendToken          common.Address
	PayableTokens       []common.Address
	MerchantFeeReceiver common.Address
	MerchantFeePPM      uint64
}

// Exchange binds a token symbol to the oracle used to value it.
type Exchange struct {
	Symbol string
	Oracle common.Address
}

// Merchant is a registered merchant and the wallet receiving its revenue.
type Merchant struct {
	Wallet     common.Address
	Owner      common.Address
	OffChainID string
}

// Payment summarises a settled customer payment.
type Payment struct {
	Card     common.Address
	Merchant common.Address
	Token    common.Address
	Amount   *big.Int
	Fee      *big.Int
	Spend    *big.Int
}
