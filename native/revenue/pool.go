// Package revenue implements the pool that settles prepaid card payments:
// it values incoming tokens through the exchange oracles, mints SPEND to the
// merchant and holds the merchant's token revenue until it is claimed.
package revenue

import (
	"bytes"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	nativecommon "github.com/khengleng/mycard-pay-protocol/native/common"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
)

type poolState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	HasRole(role string, addr common.Address) bool
	SetRole(role string, addr common.Address) error
	RemoveRole(role string, addr common.Address) error
	RoleMembers(role string) ([]common.Address, error)
	IsPaused(module string) bool
}

type tokenLedger interface {
	Metadata(token common.Address) (*state.TokenMetadata, error)
	Transfer(token, from, to common.Address, amount *big.Int) error
	Mint(caller, token, to common.Address, amount *big.Int) error
}

type walletCreator interface {
	Create(owners []common.Address, threshold uint64) (common.Address, error)
}

type oracleSource interface {
	Oracle(addr common.Address) (oracle.PriceOracle, error)
}

// Pool is the revenue pool deployed at a fixed address.
type Pool struct {
	address common.Address
	st      poolState
	ledger  tokenLedger
	wallets walletCreator
	oracles oracleSource
	emitter events.Emitter
}

// NewPool wires a pool at address.
func NewPool(address common.Address, st poolState, ledger tokenLedger, wallets walletCreator, oracles oracleSource) *Pool {
	return &Pool{
		address: address,
		st:      st,
		ledger:  ledger,
		wallets: wallets,
		oracles: oracles,
		emitter: events.NoopEmitter{},
	}
}

// Address returns the pool address.
func (p *Pool) Address() common.Address { return p.address }

// SetState swaps the state backend.
func (p *Pool) SetState(st poolState) { p.st = st }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (p *Pool) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		p.emitter = events.NoopEmitter{}
		return
	}
	p.emitter = emitter
}

func (p *Pool) owner() nativecommon.Authorizer {
	return nativecommon.NewAuthorizer(p.st, RoleRevenueOwner)
}

func (p *Pool) guard() error {
	return nativecommon.Guard(p.st, nativecommon.ModuleRevenue)
}

func (p *Pool) loadConfig() (*storedConfig, error) {
	cfg := new(storedConfig)
	if _, err := p.st.KVGet(state.RevenueConfigKey(p.address), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns the current configuration.
func (p *Pool) Config() (*Config, error) {
	stored, err := p.loadConfig()
	if err != nil {
		return nil, err
	}
	tallys, err := p.st.RoleMembers(RoleRevenueTally)
	if err != nil {
		return nil, err
	}
	return &Config{
		SpendToken:          stored.SpendToken,
		PayableTokens:       stored.PayableTokens,
		MerchantFeeReceiver: stored.MerchantFeeReceiver,
		MerchantFeePPM:      stored.MerchantFeePPM,
		Tallys:              tallys,
	}, nil
}

// Setup replaces the pool configuration. Tallys listed in cfg are granted the
// tally role in addition to any existing ones.
func (p *Pool) Setup(caller common.Address, cfg Config) error {
	if err := p.owner().Require(caller); err != nil {
		return err
	}
	if cfg.SpendToken == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "spend token must be set")
	}
	if cfg.MerchantFeePPM >= FeeDenominator {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "merchant fee %d ppm must be below %d", cfg.MerchantFeePPM, FeeDenominator)
	}
	if cfg.MerchantFeePPM > 0 && cfg.MerchantFeeReceiver == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "merchant fee receiver must be set when a fee is charged")
	}
	stored := &storedConfig{
		SpendToken:          cfg.SpendToken,
		PayableTokens:       sortedUnique(cfg.PayableTokens),
		MerchantFeeReceiver: cfg.MerchantFeeReceiver,
		MerchantFeePPM:      cfg.MerchantFeePPM,
	}
	for _, tally := range cfg.Tallys {
		if err := p.st.SetRole(RoleRevenueTally, tally); err != nil {
			return err
		}
	}
	return p.st.KVPut(state.RevenueConfigKey(p.address), stored)
}

// AddTally grants the tally role.
func (p *Pool) AddTally(caller, tally common.Address) error {
	if err := p.owner().Require(caller); err != nil {
		return err
	}
	return p.st.SetRole(RoleRevenueTally, tally)
}

// RemoveTally revokes the tally role.
func (p *Pool) RemoveTally(caller, tally common.Address) error {
	if err := p.owner().Require(caller); err != nil {
		return err
	}
	return p.st.RemoveRole(RoleRevenueTally, tally)
}

// AddPayableToken accepts token for payments.
func (p *Pool) AddPayableToken(caller, token common.Address) error {
	return p.updatePayable(caller, token, true)
}

// RemovePayableToken stops accepting token for payments.
func (p *Pool) RemovePayableToken(caller, token common.Address) error {
	return p.updatePayable(caller, token, false)
}

func (p *Pool) updatePayable(caller, token common.Address, add bool) error {
	if err := p.owner().Require(caller); err != nil {
		return err
	}
	cfg, err := p.loadConfig()
	if err != nil {
		return err
	}
	cfg.PayableTokens = toggle(cfg.PayableTokens, token, add)
	return p.st.KVPut(state.RevenueConfigKey(p.address), cfg)
}

func (p *Pool) isPayable(cfg *storedConfig, token common.Address) bool {
	for _, allowed := range cfg.PayableTokens {
		if allowed == token {
			return true
		}
	}
	return false
}

// CreateExchange binds symbol to the price oracle at oracleAddr.
func (p *Pool) CreateExchange(caller common.Address, symbol string, oracleAddr common.Address) error {
	if err := p.owner().Require(caller); err != nil {
		return err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "exchange symbol must not be empty")
	}
	if _, err := p.oracles.Oracle(oracleAddr); err != nil {
		return err
	}
	exists, err := p.st.KVGet(state.RevenueExchangeKey(p.address, symbol), nil)
	if err != nil {
		return err
	}
	if err := p.st.KVPut(state.RevenueExchangeKey(p.address, symbol), &Exchange{Symbol: symbol, Oracle: oracleAddr}); err != nil {
		return err
	}
	if !exists {
		if err := p.st.KVAppend(state.RevenueExchangeIndexKey(p.address), []byte(symbol)); err != nil {
			return err
		}
	}
	p.emitter.Emit(events.ExchangeCreated{Symbol: symbol, Oracle: oracleAddr})
	return nil
}

// Exchange returns the exchange registered for symbol.
func (p *Pool) Exchange(symbol string) (*Exchange, error) {
	ex := new(Exchange)
	ok, err := p.st.KVGet(state.RevenueExchangeKey(p.address, symbol), ex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrExchangeNotFound, "symbol %q", symbol)
	}
	return ex, nil
}

// Exchanges lists the registered exchange symbols.
func (p *Pool) Exchanges() ([]string, error) {
	var raw [][]byte
	if err := p.st.KVGetList(state.RevenueExchangeIndexKey(p.address), &raw); err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, sym := range raw {
		out[i] = string(sym)
	}
	return out, nil
}

// ExchangeSymbol maps a token symbol to its exchange symbol by dropping any
// network suffix: "DAI.CPXD" trades on the "DAI" exchange.
func ExchangeSymbol(tokenSymbol string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(tokenSymbol), ".")
	return base
}

func (p *Pool) oracleFor(token common.Address) (oracle.PriceOracle, *state.TokenMetadata, error) {
	meta, err := p.ledger.Metadata(token)
	if err != nil {
		return nil, nil, err
	}
	ex, err := p.Exchange(ExchangeSymbol(meta.Symbol))
	if err != nil {
		return nil, nil, err
	}
	view, err := p.oracles.Oracle(ex.Oracle)
	if err != nil {
		return nil, nil, err
	}
	return view, meta, nil
}

// ConvertToSpend values amount of token in SPEND, where 100 SPEND is one USD:
// amount * usdPrice * 100 / 10^(tokenDecimals + oracleDecimals).
func (p *Pool) ConvertToSpend(token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, cerrors.Wrap(cerrors.ErrInvalidAmount, "amount must be non-negative")
	}
	view, meta, err := p.oracleFor(token)
	if err != nil {
		return nil, err
	}
	price, _, err := view.USDPrice()
	if err != nil {
		return nil, err
	}
	oracleDecimals, err := view.Decimals()
	if err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(meta.Decimals)+int64(oracleDecimals)), nil)
	spend := new(big.Int).Mul(amount, price)
	spend.Mul(spend, big.NewInt(spendMultiplier))
	return spend.Quo(spend, scale), nil
}

// RegisterMerchant creates the merchant's wallet, owned solely by owner.
func (p *Pool) RegisterMerchant(caller, owner common.Address, offChainID string) (common.Address, error) {
	if err := p.guard(); err != nil {
		return common.Address{}, err
	}
	if !p.st.HasRole(RoleRevenueTally, caller) && !p.st.HasRole(RoleRevenueOwner, caller) {
		return common.Address{}, cerrors.Wrap(cerrors.ErrUnauthorized, "%s is not a tally", caller.Hex())
	}
	if owner == (common.Address{}) {
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidAddress, "merchant owner must not be zero")
	}
	walletAddr, err := p.wallets.Create([]common.Address{owner}, 1)
	if err != nil {
		return common.Address{}, err
	}
	merchant := &Merchant{Wallet: walletAddr, Owner: owner, OffChainID: strings.TrimSpace(offChainID)}
	if err := p.st.KVPut(state.RevenueMerchantKey(p.address, walletAddr), merchant); err != nil {
		return common.Address{}, err
	}
	if err := p.st.KVAppend(state.RevenueMerchantIndexKey(p.address), walletAddr.Bytes()); err != nil {
		return common.Address{}, err
	}
	p.emitter.Emit(events.MerchantRegistered{Merchant: walletAddr, Owner: owner, OffChainID: merchant.OffChainID})
	return walletAddr, nil
}

// Merchant loads a registered merchant by wallet address.
func (p *Pool) Merchant(wallet common.Address) (*Merchant, error) {
	m := new(Merchant)
	ok, err := p.st.KVGet(state.RevenueMerchantKey(p.address, wallet), m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrMerchantNotRegistered, "%s", wallet.Hex())
	}
	return m, nil
}

// IsMerchant reports whether wallet belongs to a registered merchant.
func (p *Pool) IsMerchant(wallet common.Address) bool {
	ok, err := p.st.KVGet(state.RevenueMerchantKey(p.address, wallet), nil)
	return err == nil && ok
}

// Merchants lists registered merchant wallets in registration order.
func (p *Pool) Merchants() ([]common.Address, error) {
	var raw [][]byte
	if err := p.st.KVGetList(state.RevenueMerchantIndexKey(p.address), &raw); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = common.BytesToAddress(b)
	}
	return out, nil
}

// OnTokenTransfer settles a payment. The transferred tokens already sit in the
// pool; data names the merchant.
func (p *Pool) OnTokenTransfer(token, from common.Address, amount *big.Int, data []byte) error {
	if err := p.guard(); err != nil {
		return err
	}
	cfg, err := p.loadConfig()
	if err != nil {
		return err
	}
	if cfg.SpendToken == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrNotConfigured, "revenue pool")
	}
	if !p.isPayable(cfg, token) {
		return cerrors.Wrap(cerrors.ErrTokenNotAllowed, "%s", token.Hex())
	}
	merchant, err := DecodeMerchantPayload(data)
	if err != nil {
		return err
	}
	if !p.IsMerchant(merchant) {
		return cerrors.Wrap(cerrors.ErrMerchantNotRegistered, "%s", merchant.Hex())
	}
	spend, err := p.ConvertToSpend(token, amount)
	if err != nil {
		return err
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(cfg.MerchantFeePPM))
	fee.Quo(fee, big.NewInt(FeeDenominator))
	if fee.Sign() > 0 {
		if err := p.ledger.Transfer(token, p.address, cfg.MerchantFeeReceiver, fee); err != nil {
			return err
		}
	}
	revenue := new(big.Int).Sub(amount, fee)
	if err := p.addClaimable(merchant, token, revenue); err != nil {
		return err
	}
	if err := p.ledger.Mint(p.address, cfg.SpendToken, merchant, spend); err != nil {
		return err
	}
	p.emitter.Emit(events.CustomerPayment{
		Card:     from,
		Merchant: merchant,
		Token:    token,
		Amount:   new(big.Int).Set(amount),
		Fee:      fee,
		Spend:    spend,
	})
	return nil
}

// Claimable returns the token revenue merchant can still claim.
func (p *Pool) Claimable(merchant, token common.Address) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := p.st.KVGet(state.RevenueClaimableKey(p.address, merchant, token), amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (p *Pool) addClaimable(merchant, token common.Address, delta *big.Int) error {
	current, err := p.Claimable(merchant, token)
	if err != nil {
		return err
	}
	return p.st.KVPut(state.RevenueClaimableKey(p.address, merchant, token), current.Add(current, delta))
}

// ClaimTokens pays out accrued revenue to the merchant wallet. caller must be
// the merchant wallet itself.
func (p *Pool) ClaimTokens(caller, token common.Address, amount *big.Int) error {
	if err := p.guard(); err != nil {
		return err
	}
	if !p.IsMerchant(caller) {
		return cerrors.Wrap(cerrors.ErrMerchantNotRegistered, "%s", caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "claim amount must be positive")
	}
	available, err := p.Claimable(caller, token)
	if err != nil {
		return err
	}
	if available.Cmp(amount) < 0 {
		return cerrors.Wrap(cerrors.ErrInsufficientBalance, "claimable %s, requested %s", available, amount)
	}
	if err := p.st.KVPut(state.RevenueClaimableKey(p.address, caller, token), new(big.Int).Sub(available, amount)); err != nil {
		return err
	}
	if err := p.ledger.Transfer(token, p.address, caller, amount); err != nil {
		return err
	}
	p.emitter.Emit(events.MerchantClaim{Merchant: caller, Token: token, Amount: new(big.Int).Set(amount)})
	return nil
}

// Handle executes ABI calldata sent to the pool by caller.
func (p *Pool) Handle(caller common.Address, calldata []byte) error {
	if len(calldata) < 4 {
		return cerrors.Wrap(cerrors.ErrUnknownMethod, "calldata shorter than a selector")
	}
	method, err := ABI.MethodById(calldata[:4])
	if err != nil {
		return cerrors.Wrap(cerrors.ErrUnknownMethod, "selector %x", calldata[:4])
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "%s: %v", method.Name, err)
	}
	switch method.Name {
	case "claimTokens":
		token, ok := args[0].(common.Address)
		amount, ok2 := args[1].(*big.Int)
		if !ok || !ok2 {
			return cerrors.Wrap(cerrors.ErrInvalidPayload, "claimTokens arguments")
		}
		return p.ClaimTokens(caller, token, amount)
	default:
		return cerrors.Wrap(cerrors.ErrUnknownMethod, "%s", method.Name)
	}
}

func sortedUnique(addrs []common.Address) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	for _, addr := range addrs {
		out = toggle(out, addr, true)
	}
	return out
}

func toggle(list []common.Address, addr common.Address, add bool) []common.Address {
	out := make([]common.Address, 0, len(list)+1)
	for _, existing := range list {
		if existing != addr {
			out = append(out, existing)
		}
	}
	if add {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
