package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/crypto"
)

// Resolved carries the parsed account addresses.
type Resolved struct {
	Owner         common.Address
	Tally         common.Address
	Manager       common.Address
	RevenuePool   common.Address
	WalletFactory common.Address
}

// ResolveAccounts parses the account section.
func (c *Config) ResolveAccounts() (Resolved, error) {
	var out Resolved
	fields := []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"Accounts.Owner", c.Accounts.Owner, &out.Owner},
		{"Accounts.Tally", c.Accounts.Tally, &out.Tally},
		{"Accounts.Manager", c.Accounts.Manager, &out.Manager},
		{"Accounts.RevenuePool", c.Accounts.RevenuePool, &out.RevenuePool},
		{"Accounts.WalletFactory", c.Accounts.WalletFactory, &out.WalletFactory},
	}
	for _, f := range fields {
		addr, err := ParseAccount(f.value)
		if err != nil {
			return Resolved{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = addr
	}
	return out, nil
}

// ParseAccount parses a non-zero hex or bech32 address.
func ParseAccount(value string) (common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return common.Address{}, fmt.Errorf("address is required")
	}
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("address must not be zero")
	}
	return addr, nil
}

// ParseAmount parses a base-10 non-negative integer.
func ParseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// Token looks up a configured token by symbol.
func (c *Config) Token(symbol string) (Token, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// Feed looks up a configured feed by name.
func (c *Config) Feed(name string) (Feed, bool) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, true
		}
	}
	return Feed{}, false
}

// Validate rejects inconsistent settings before any state is touched.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := c.ResolveAccounts(); err != nil {
		return err
	}
	if c.Prepaid.MinimumAmount == 0 {
		return fmt.Errorf("prepaid: MinimumAmount must be positive")
	}
	if c.Prepaid.MinimumAmount > c.Prepaid.MaximumAmount {
		return fmt.Errorf("prepaid: MinimumAmount %d > MaximumAmount %d", c.Prepaid.MinimumAmount, c.Prepaid.MaximumAmount)
	}
	if c.Revenue.MerchantFeePPM >= 1_000_000 {
		return fmt.Errorf("revenue: MerchantFeePPM must be below 1000000")
	}
	if c.Revenue.MerchantFeePPM > 0 {
		if _, err := ParseAccount(c.Revenue.MerchantFeeReceiver); err != nil {
			return fmt.Errorf("revenue: MerchantFeeReceiver: %w", err)
		}
	}

	symbols := make(map[string]struct{}, len(c.Tokens))
	for _, t := range c.Tokens {
		if strings.TrimSpace(t.Symbol) == "" {
			return fmt.Errorf("tokens: symbol required")
		}
		if _, dup := symbols[strings.ToUpper(t.Symbol)]; dup {
			return fmt.Errorf("tokens: duplicate symbol %s", t.Symbol)
		}
		symbols[strings.ToUpper(t.Symbol)] = struct{}{}
		if _, err := ParseAccount(t.Address); err != nil {
			return fmt.Errorf("tokens %s: %w", t.Symbol, err)
		}
	}
	if _, ok := c.Token(c.Revenue.SpendToken); !ok {
		return fmt.Errorf("revenue: unknown SpendToken %q", c.Revenue.SpendToken)
	}
	for _, list := range [][]string{c.Prepaid.PayableTokens, c.Revenue.PayableTokens} {
		for _, sym := range list {
			if _, ok := c.Token(sym); !ok {
				return fmt.Errorf("unknown payable token %q", sym)
			}
		}
	}

	for _, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("feeds: name required")
		}
		if _, err := ParseAccount(f.Address); err != nil {
			return fmt.Errorf("feed %s: %w", f.Name, err)
		}
		if f.InitialAnswer != "" {
			if _, err := ParseAmount(f.InitialAnswer); err != nil {
				return fmt.Errorf("feed %s: %w", f.Name, err)
			}
		}
	}
	for _, o := range c.Oracles {
		if strings.TrimSpace(o.Exchange) == "" {
			return fmt.Errorf("oracles: Exchange required")
		}
		if _, err := ParseAccount(o.Address); err != nil {
			return fmt.Errorf("oracle %s: %w", o.Exchange, err)
		}
		switch strings.ToLower(o.Kind) {
		case "chainlink":
			for _, ref := range []string{o.TokenFeed, o.ETHFeed, o.DAIFeed} {
				if _, ok := c.Feed(ref); !ok {
					return fmt.Errorf("oracle %s: unknown feed %q", o.Exchange, ref)
				}
			}
			if o.SnapThreshold != "" {
				if _, err := ParseAmount(o.SnapThreshold); err != nil {
					return fmt.Errorf("oracle %s: %w", o.Exchange, err)
				}
			}
		case "dia":
			if _, err := ParseAccount(o.DIASource); err != nil {
				return fmt.Errorf("oracle %s: DIASource: %w", o.Exchange, err)
			}
			if _, ok := c.Feed(o.DAIFeed); !ok {
				return fmt.Errorf("oracle %s: unknown feed %q", o.Exchange, o.DAIFeed)
			}
			if strings.TrimSpace(o.DIASymbol) == "" {
				return fmt.Errorf("oracle %s: DIASymbol required", o.Exchange)
			}
		default:
			return fmt.Errorf("oracle %s: unknown kind %q", o.Exchange, o.Kind)
		}
	}
	return nil
}
