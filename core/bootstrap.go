package core

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/config"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
	"github.com/khengleng/mycard-pay-protocol/native/revenue"
)

// Bootstrapped reports whether the deployment transitions already ran.
func (c *Chain) Bootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok, err := c.state.StateVersion()
	return err == nil && ok
}

// Bootstrap deploys the protocol described by cfg in a single transition:
// roles, tokens, feeds, oracle adapters, the revenue pool and the card
// manager. The configured owner deploys everything.
func (c *Chain) Bootstrap(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return err
	}
	if accounts.Manager != c.addrs.Manager || accounts.RevenuePool != c.addrs.RevenuePool || accounts.WalletFactory != c.addrs.WalletFactory {
		return fmt.Errorf("config contract addresses do not match the chain")
	}
	now := uint64(time.Now().Unix())
	return c.Apply(ctx, "system.bootstrap", func() error {
		return c.deploy(cfg, accounts, now)
	})
}

func (c *Chain) deploy(cfg *config.Config, accounts config.Resolved, now uint64) error {
	owner := accounts.Owner
	for _, role := range []string{oracle.RoleOracleAdmin, revenue.RoleRevenueOwner, prepaid.RolePrepaidOwner} {
		if err := c.state.SetRole(role, owner); err != nil {
			return err
		}
	}

	tokens := make(map[string]common.Address, len(cfg.Tokens))
	spendSymbol := strings.ToUpper(cfg.Revenue.SpendToken)
	for _, t := range cfg.Tokens {
		addr, err := config.ParseAccount(t.Address)
		if err != nil {
			return err
		}
		minter := owner
		if strings.ToUpper(t.Symbol) == spendSymbol {
			minter = c.addrs.RevenuePool
		}
		if err := c.ledger.RegisterToken(addr, t.Symbol, t.Name, t.Decimals, minter); err != nil {
			return fmt.Errorf("register token %s: %w", t.Symbol, err)
		}
		tokens[strings.ToUpper(t.Symbol)] = addr
	}
	lookup := func(symbols []string) []common.Address {
		out := make([]common.Address, 0, len(symbols))
		for _, sym := range symbols {
			out = append(out, tokens[strings.ToUpper(sym)])
		}
		return out
	}

	feeds := make(map[string]common.Address, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		addr, err := config.ParseAccount(f.Address)
		if err != nil {
			return err
		}
		description := f.Description
		if description == "" {
			description = f.Name
		}
		if err := c.oracles.CreateFeed(owner, addr, description, f.Decimals); err != nil {
			return fmt.Errorf("create feed %s: %w", f.Name, err)
		}
		if f.InitialAnswer != "" {
			answer, err := config.ParseAmount(f.InitialAnswer)
			if err != nil {
				return err
			}
			if err := c.oracles.AddRound(owner, addr, answer, now, now); err != nil {
				return fmt.Errorf("seed feed %s: %w", f.Name, err)
			}
		}
		feeds[f.Name] = addr
	}

	if err := c.pool.Setup(owner, revenue.Config{
		SpendToken:          tokens[spendSymbol],
		PayableTokens:       lookup(cfg.Revenue.PayableTokens),
		MerchantFeeReceiver: optionalAddress(cfg.Revenue.MerchantFeeReceiver),
		MerchantFeePPM:      cfg.Revenue.MerchantFeePPM,
		Tallys:              []common.Address{accounts.Tally},
	}); err != nil {
		return fmt.Errorf("setup revenue pool: %w", err)
	}

	for _, o := range cfg.Oracles {
		addr, err := config.ParseAccount(o.Address)
		if err != nil {
			return err
		}
		if err := c.deployOracle(owner, addr, o, feeds); err != nil {
			return fmt.Errorf("oracle %s: %w", o.Exchange, err)
		}
		if err := c.pool.CreateExchange(owner, o.Exchange, addr); err != nil {
			return fmt.Errorf("exchange %s: %w", o.Exchange, err)
		}
	}

	if err := c.manager.Setup(owner, prepaid.Config{
		Tallys:        []common.Address{accounts.Tally},
		PayableTokens: lookup(cfg.Prepaid.PayableTokens),
		MinimumAmount: new(big.Int).SetUint64(cfg.Prepaid.MinimumAmount),
		MaximumAmount: new(big.Int).SetUint64(cfg.Prepaid.MaximumAmount),
	}); err != nil {
		return fmt.Errorf("setup card manager: %w", err)
	}
	return c.state.SetStateVersion(state.StateVersion)
}

func (c *Chain) deployOracle(owner, addr common.Address, o config.Oracle, feeds map[string]common.Address) error {
	switch oracle.AdapterKind(strings.ToLower(o.Kind)) {
	case oracle.KindChainlink:
		if err := c.oracles.CreateAdapter(owner, addr, oracle.KindChainlink); err != nil {
			return err
		}
		threshold := new(big.Int)
		if o.SnapThreshold != "" {
			parsed, err := config.ParseAmount(o.SnapThreshold)
			if err != nil {
				return err
			}
			threshold = parsed
		}
		return c.oracles.SetupChainlink(owner, addr, oracle.ChainlinkConfig{
			TokenUSDFeed:  feeds[o.TokenFeed],
			ETHUSDFeed:    feeds[o.ETHFeed],
			DAIUSDFeed:    feeds[o.DAIFeed],
			CanSnapToUSD:  o.CanSnapToUSD,
			SnapThreshold: threshold,
		})
	case oracle.KindDIA:
		source, err := config.ParseAccount(o.DIASource)
		if err != nil {
			return err
		}
		if _, _, err := c.oracles.DIAValue(source, o.DIASymbol+"/USD"); err != nil {
			if err := c.oracles.CreateDIASource(owner, source); err != nil {
				return err
			}
		}
		if err := c.oracles.CreateAdapter(owner, addr, oracle.KindDIA); err != nil {
			return err
		}
		return c.oracles.SetupDIA(owner, addr, oracle.DIAConfig{
			Oracle:     source,
			Symbol:     o.DIASymbol,
			DAIUSDFeed: feeds[o.DAIFeed],
		})
	default:
		return fmt.Errorf("unknown oracle kind %q", o.Kind)
	}
}

func optionalAddress(value string) common.Address {
	if strings.TrimSpace(value) == "" {
		return common.Address{}
	}
	addr, err := config.ParseAccount(value)
	if err != nil {
		return common.Address{}
	}
	return addr
}
