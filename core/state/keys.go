package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key namespaces used by the native modules. Keeping them in one place makes
// collisions between modules visible at a glance.

func PrepaidConfigKey(manager common.Address) []byte {
	return []byte(fmt.Sprintf("prepaid/%x/config", manager.Bytes()))
}

func PrepaidCardKey(manager, card common.Address) []byte {
	return []byte(fmt.Sprintf("prepaid/%x/cards/%x", manager.Bytes(), card.Bytes()))
}

func PrepaidCardIndexKey(manager common.Address) []byte {
	return []byte(fmt.Sprintf("prepaid/%x/cards", manager.Bytes()))
}

func RevenueConfigKey(pool common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/config", pool.Bytes()))
}

func RevenueExchangeKey(pool common.Address, symbol string) []byte {
	return []byte(fmt.Sprintf("revenue/%x/exchanges/%s", pool.Bytes(), symbol))
}

func RevenueExchangeIndexKey(pool common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/exchanges", pool.Bytes()))
}

func RevenueMerchantKey(pool, merchant common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/merchants/%x", pool.Bytes(), merchant.Bytes()))
}

func RevenueMerchantIndexKey(pool common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/merchants", pool.Bytes()))
}

func RevenueMerchantCounterKey(pool common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/merchant-seq", pool.Bytes()))
}

func RevenueClaimableKey(pool, merchant, token common.Address) []byte {
	return []byte(fmt.Sprintf("revenue/%x/claimable/%x/%x", pool.Bytes(), merchant.Bytes(), token.Bytes()))
}

func WalletKey(wallet common.Address) []byte {
	return []byte(fmt.Sprintf("wallet/%x", wallet.Bytes()))
}

func WalletApprovedHashKey(wallet, owner common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("wallet/%x/approved/%x/%x", wallet.Bytes(), owner.Bytes(), hash.Bytes()))
}

func WalletFactoryCounterKey(factory common.Address) []byte {
	return []byte(fmt.Sprintf("wallet-factory/%x/seq", factory.Bytes()))
}

func OracleFeedKey(feed common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/feeds/%x", feed.Bytes()))
}

func OracleFeedRoundKey(feed common.Address, round uint64) []byte {
	return []byte(fmt.Sprintf("oracle/feeds/%x/rounds/%d", feed.Bytes(), round))
}

func OracleAdapterKey(adapter common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/adapters/%x", adapter.Bytes()))
}

func OracleDIAValueKey(dia common.Address, key string) []byte {
	return []byte(fmt.Sprintf("oracle/dia/%x/values/%s", dia.Bytes(), key))
}

func ModulePausesKey() []byte {
	return []byte("system/pauses")
}

func OracleDIAKey(dia common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/dia/%x", dia.Bytes()))
}
