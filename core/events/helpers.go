package events

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func addressAttr(addr common.Address) string {
	return addr.Hex()
}

func amountAttr(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func amountsAttr(amounts []*big.Int) string {
	parts := make([]string, len(amounts))
	for i, amount := range amounts {
		parts[i] = amountAttr(amount)
	}
	return strings.Join(parts, ",")
}

func addressesAttr(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.Hex()
	}
	return strings.Join(parts, ",")
}
