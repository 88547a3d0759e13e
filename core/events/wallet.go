package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	TypeWalletCreated      = "wallet.created"
	TypeWalletExecuted     = "wallet.executed"
	TypeWalletOwnerSwap    = "wallet.owner_swapped"
	TypeWalletOwnerAdded   = "wallet.owner_added"
	TypeWalletHashApproved = "wallet.hash_approved"
)

// WalletCreated records a multisig wallet deployed by the factory.
type WalletCreated struct {
	Factory   common.Address
	Wallet    common.Address
	Owners    []common.Address
	Threshold uint64
}

// EventType satisfies the Event interface.
func (WalletCreated) EventType() string { return TypeWalletCreated }

// Event converts the payload into its wire representation.
func (e WalletCreated) Event() *types.Event {
	return &types.Event{Type: TypeWalletCreated, Attributes: map[string]string{
		"factory":   addressAttr(e.Factory),
		"wallet":    addressAttr(e.Wallet),
		"owners":    addressesAttr(e.Owners),
		"threshold": strconv.FormatUint(e.Threshold, 10),
	}}
}

// WalletExecuted records a successfully executed wallet transaction.
type WalletExecuted struct {
	Wallet common.Address
	TxHash common.Hash
	Nonce  uint64
}

// EventType satisfies the Event interface.
func (WalletExecuted) EventType() string { return TypeWalletExecuted }

// Event converts the payload into its wire representation.
func (e WalletExecuted) Event() *types.Event {
	return &types.Event{Type: TypeWalletExecuted, Attributes: map[string]string{
		"wallet": addressAttr(e.Wallet),
		"txHash": e.TxHash.Hex(),
		"nonce":  strconv.FormatUint(e.Nonce, 10),
	}}
}

// WalletOwnerSwapped records an owner replacement.
type WalletOwnerSwapped struct {
	Wallet   common.Address
	OldOwner common.Address
	NewOwner common.Address
}

// EventType satisfies the Event interface.
func (WalletOwnerSwapped) EventType() string { return TypeWalletOwnerSwap }

// Event converts the payload into its wire representation.
func (e WalletOwnerSwapped) Event() *types.Event {
	return &types.Event{Type: TypeWalletOwnerSwap, Attributes: map[string]string{
		"wallet":   addressAttr(e.Wallet),
		"oldOwner": addressAttr(e.OldOwner),
		"newOwner": addressAttr(e.NewOwner),
	}}
}

// WalletOwnerAdded records an owner addition together with the new threshold.
type WalletOwnerAdded struct {
	Wallet    common.Address
	Owner     common.Address
	Threshold uint64
}

// EventType satisfies the Event interface.
func (WalletOwnerAdded) EventType() string { return TypeWalletOwnerAdded }

// Event converts the payload into its wire representation.
func (e WalletOwnerAdded) Event() *types.Event {
	return &types.Event{Type: TypeWalletOwnerAdded, Attributes: map[string]string{
		"wallet":    addressAttr(e.Wallet),
		"owner":     addressAttr(e.Owner),
		"threshold": strconv.FormatUint(e.Threshold, 10),
	}}
}

// WalletHashApproved records an on-chain approval of a transaction digest.
type WalletHashApproved struct {
	Wallet common.Address
	Owner  common.Address
	Hash   common.Hash
}

// EventType satisfies the Event interface.
func (WalletHashApproved) EventType() string { return TypeWalletHashApproved }

// Event converts the payload into its wire representation.
func (e WalletHashApproved) Event() *types.Event {
	return &types.Event{Type: TypeWalletHashApproved, Attributes: map[string]string{
		"wallet": addressAttr(e.Wallet),
		"owner":  addressAttr(e.Owner),
		"hash":   e.Hash.Hex(),
	}}
}
