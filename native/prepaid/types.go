package prepaid

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
)

const (
	RolePrepaidOwner = "ROLE_PREPAID_OWNER"
	RolePrepaidTally = "ROLE_PREPAID_TALLY"
)

// Defaults used when a deployment does not set explicit face value bounds,
// in SPEND.
const (
	DefaultMinimumAmount = 100
	DefaultMaximumAmount = 10_000_000
)

// cardThreshold is the approvals a card wallet needs: its issuer and the
// manager.
const cardThreshold = 2

// Card is a prepaid card wallet created and funded by the manager.
type Card struct {
	Wallet     common.Address
	Issuer     common.Address
	IssueToken common.Address
}

// Config is the manager configuration aggregate.
type Config struct {
	Tallys        []common.Address
	PayableTokens []common.Address
	MinimumAmount *big.Int
	MaximumAmount *big.Int
}

type storedConfig struct {
	PayableTokens []common.Address
	MinimumAmount *big.Int
	MaximumAmount *big.Int
}

// WalletHandle is the view of a single card wallet the manager needs.
type WalletHandle interface {
	Address() common.Address
	Nonce() (uint64, error)
	IsOwner(addr common.Address) bool
	TxHash(tx *types.Transaction, nonce uint64) common.Hash
	Execute(caller common.Address, tx *types.Transaction, signatures []byte) error
}

// WalletFactory creates and opens multisig card wallets.
type WalletFactory interface {
	Create(owners []common.Address, threshold uint64) (common.Address, error)
	Wallet(addr common.Address) (WalletHandle, error)
}

// RevenuePool values tokens in SPEND and knows the registered merchants.
type RevenuePool interface {
	Address() common.Address
	ConvertToSpend(token common.Address, amount *big.Int) (*big.Int, error)
	IsMerchant(addr common.Address) bool
}

type tokenLedger interface {
	Transfer(token, from, to common.Address, amount *big.Int) error
}
