package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Version is reported by every adapter.
const Version = "1.0.0"

// Owner role granted to the account allowed to create feeds and adapters.
const RoleOracleAdmin = "ROLE_ORACLE_ADMIN"

// AdapterKind identifies how an adapter sources its prices.
type AdapterKind string

const (
	KindChainlink AdapterKind = "chainlink"
	KindDIA       AdapterKind = "dia"
)

// Feed is a manually operated price feed with Chainlink-style rounds.
type Feed struct {
	Address     common.Address
	Owner       common.Address
	Description string
	Decimals    uint8
	LatestRound uint64
}

// Round is one published answer of a feed.
type Round struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       uint64
	UpdatedAt       uint64
	AnsweredInRound uint64
}

// DIASource is a key/value price oracle in the style of DIA's on-chain oracle.
type DIASource struct {
	Address common.Address
	Owner   common.Address
}

// DIAValue is one stored DIA quote.
type DIAValue struct {
	Value     *big.Int
	Timestamp uint64
}

// ChainlinkConfig binds an adapter to its feeds. TokenUSDFeed, ETHUSDFeed and
// DAIUSDFeed must share the same decimals. SnapThreshold is expressed in the
// feeds' decimal units.
type ChainlinkConfig struct {
	TokenUSDFeed  common.Address
	ETHUSDFeed    common.Address
	DAIUSDFeed    common.Address
	CanSnapToUSD  bool
	SnapThreshold *big.Int
}

// DIAConfig binds an adapter to a DIA source and the DAI/USD feed used for the
// DAI cross rate.
type DIAConfig struct {
	Oracle     common.Address
	Symbol     string
	DAIUSDFeed common.Address
}

// Adapter is the persisted record of a price oracle adapter.
type Adapter struct {
	Address    common.Address
	Owner      common.Address
	Kind       string
	Configured bool
	Chainlink  ChainlinkConfig
	DIA        DIAConfig
}

// PriceOracle is the read interface consumers use to value tokens. Prices are
// fixed point numbers with Decimals() decimals; updatedAt is the unix time of
// the underlying observation.
type PriceOracle interface {
	Decimals() (uint8, error)
	Description() (string, error)
	USDPrice() (price *big.Int, updatedAt uint64, err error)
	ETHPrice() (price *big.Int, updatedAt uint64, err error)
	DAIPrice() (price *big.Int, updatedAt uint64, err error)
}
