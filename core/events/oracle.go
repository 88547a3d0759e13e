package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	TypeOracleRoundAdded = "oracle.round_added"
	TypeOracleConfigured = "oracle.configured"
)

// OracleRoundAdded records a new answer published on a manual feed.
type OracleRoundAdded struct {
	Feed      common.Address
	RoundID   uint64
	Answer    *big.Int
	UpdatedAt uint64
}

// EventType satisfies the Event interface.
func (OracleRoundAdded) EventType() string { return TypeOracleRoundAdded }

// Event converts the payload into its wire representation.
func (e OracleRoundAdded) Event() *types.Event {
	return &types.Event{Type: TypeOracleRoundAdded, Attributes: map[string]string{
		"feed":      addressAttr(e.Feed),
		"roundId":   strconv.FormatUint(e.RoundID, 10),
		"answer":    amountAttr(e.Answer),
		"updatedAt": strconv.FormatUint(e.UpdatedAt, 10),
	}}
}

// OracleConfigured records an adapter (re)configuration.
type OracleConfigured struct {
	Oracle       common.Address
	Kind         string
	Description  string
	Decimals     uint8
	CanSnapToUSD bool
}

// EventType satisfies the Event interface.
func (OracleConfigured) EventType() string { return TypeOracleConfigured }

// Event converts the payload into its wire representation.
func (e OracleConfigured) Event() *types.Event {
	return &types.Event{Type: TypeOracleConfigured, Attributes: map[string]string{
		"oracle":       addressAttr(e.Oracle),
		"kind":         e.Kind,
		"description":  e.Description,
		"decimals":     strconv.FormatUint(uint64(e.Decimals), 10),
		"canSnapToUSD": strconv.FormatBool(e.CanSnapToUSD),
	}}
}
