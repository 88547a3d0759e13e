package revenue_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
	"github.com/khengleng/mycard-pay-protocol/native/revenue"
	"github.com/khengleng/mycard-pay-protocol/native/token"
	"github.com/khengleng/mycard-pay-protocol/native/wallet"
	"github.com/khengleng/mycard-pay-protocol/storage"
	statetrie "github.com/khengleng/mycard-pay-protocol/storage/trie"
)

var (
	owner       = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	tally       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	merchantKey = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	customer    = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	feeReceiver = common.HexToAddress("0x00000000000000000000000000000000000000a4")

	poolAddr    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	factoryAddr = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	daiToken    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	spendToken  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	otherToken  = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	daiFeed     = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	ethFeed     = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	daiOracle   = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

var oneDAI = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(e events.Event) {
	c.events = append(c.events, e)
}

type fixture struct {
	pool    *revenue.Pool
	ledger  *token.Ledger
	emitter *capturingEmitter
	st      *state.Manager
}

func newFixture(t *testing.T, feePPM uint64) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := statetrie.NewTrie(db, nil)
	require.NoError(t, err)
	st := state.NewManager(tr)

	require.NoError(t, st.SetRole(oracle.RoleOracleAdmin, owner))
	require.NoError(t, st.SetRole(revenue.RoleRevenueOwner, owner))

	ledger := token.NewLedger(st)
	require.NoError(t, ledger.RegisterToken(daiToken, "DAI.CPXD", "Dai Stablecoin", 18, owner))
	require.NoError(t, ledger.RegisterToken(otherToken, "XYZ.CPXD", "Unpriced", 18, owner))
	require.NoError(t, ledger.RegisterToken(spendToken, "SPD", "Spend", 0, poolAddr))

	engine := oracle.NewEngine(st)
	require.NoError(t, engine.CreateFeed(owner, daiFeed, "DAI", 8))
	require.NoError(t, engine.AddRound(owner, daiFeed, big.NewInt(100_000_000), 1618433281, 1618433281))
	require.NoError(t, engine.CreateFeed(owner, ethFeed, "ETH", 8))
	require.NoError(t, engine.AddRound(owner, ethFeed, big.NewInt(300_000_000_000), 1618433281, 1618433281))
	require.NoError(t, engine.CreateAdapter(owner, daiOracle, oracle.KindChainlink))
	require.NoError(t, engine.SetupChainlink(owner, daiOracle, oracle.ChainlinkConfig{
		TokenUSDFeed:  daiFeed,
		ETHUSDFeed:    ethFeed,
		DAIUSDFeed:    daiFeed,
		SnapThreshold: big.NewInt(0),
	}))

	factory := wallet.NewFactory(factoryAddr, 1, st)
	pool := revenue.NewPool(poolAddr, st, ledger, factory, engine)
	emitter := &capturingEmitter{}
	pool.SetEmitter(emitter)
	ledger.RegisterReceiver(poolAddr, pool)

	require.NoError(t, pool.Setup(owner, revenue.Config{
		SpendToken:          spendToken,
		PayableTokens:       []common.Address{daiToken},
		MerchantFeeReceiver: feeReceiver,
		MerchantFeePPM:      feePPM,
		Tallys:              []common.Address{tally},
	}))
	require.NoError(t, pool.CreateExchange(owner, "DAI", daiOracle))
	require.NoError(t, ledger.Mint(owner, daiToken, customer, new(big.Int).Mul(oneDAI, big.NewInt(100))))
	return &fixture{pool: pool, ledger: ledger, emitter: emitter, st: st}
}

func (f *fixture) registerMerchant(t *testing.T) common.Address {
	t.Helper()
	merchant, err := f.pool.RegisterMerchant(tally, merchantKey, "merchant-1")
	require.NoError(t, err)
	return merchant
}

func (f *fixture) pay(t *testing.T, merchant common.Address, amount *big.Int) error {
	t.Helper()
	payload, err := revenue.EncodeMerchantPayload(merchant)
	require.NoError(t, err)
	return f.ledger.TransferAndCall(daiToken, customer, poolAddr, amount, payload)
}

func TestExchangeSymbolDropsNetworkSuffix(t *testing.T) {
	require.Equal(t, "DAI", revenue.ExchangeSymbol("DAI.CPXD"))
	require.Equal(t, "CARD", revenue.ExchangeSymbol("CARD"))
	require.Equal(t, "A", revenue.ExchangeSymbol("A.B.C"))
}

func TestConvertToSpend(t *testing.T) {
	f := newFixture(t, 0)
	spend, err := f.pool.ConvertToSpend(daiToken, oneDAI)
	require.NoError(t, err)
	require.Equal(t, int64(100), spend.Int64())

	spend, err = f.pool.ConvertToSpend(daiToken, new(big.Int).Mul(oneDAI, big.NewInt(13)))
	require.NoError(t, err)
	require.Equal(t, int64(1300), spend.Int64())

	_, err = f.pool.ConvertToSpend(otherToken, oneDAI)
	require.True(t, errors.Is(err, cerrors.ErrExchangeNotFound))
}

func TestRegisterMerchantRequiresTally(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.pool.RegisterMerchant(customer, merchantKey, "nope")
	require.True(t, errors.Is(err, cerrors.ErrUnauthorized))

	merchant := f.registerMerchant(t)
	require.True(t, f.pool.IsMerchant(merchant))
	info, err := f.pool.Merchant(merchant)
	require.NoError(t, err)
	require.Equal(t, merchantKey, info.Owner)
	require.Equal(t, "merchant-1", info.OffChainID)

	list, err := f.pool.Merchants()
	require.NoError(t, err)
	require.Equal(t, []common.Address{merchant}, list)
}

func TestPaymentMintsSpendAndAccruesRevenue(t *testing.T) {
	f := newFixture(t, 5000)
	merchant := f.registerMerchant(t)

	amount := new(big.Int).Mul(oneDAI, big.NewInt(2))
	require.NoError(t, f.pay(t, merchant, amount))

	spend, err := f.ledger.BalanceOf(spendToken, merchant)
	require.NoError(t, err)
	require.Equal(t, int64(200), spend.Int64())

	fee := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(5000)), big.NewInt(revenue.FeeDenominator))
	feeBalance, err := f.ledger.BalanceOf(daiToken, feeReceiver)
	require.NoError(t, err)
	require.Equal(t, 0, fee.Cmp(feeBalance))

	claimable, err := f.pool.Claimable(merchant, daiToken)
	require.NoError(t, err)
	require.Equal(t, 0, new(big.Int).Sub(amount, fee).Cmp(claimable))

	var payment *events.CustomerPayment
	for _, evt := range f.emitter.events {
		if p, ok := evt.(events.CustomerPayment); ok {
			payment = &p
		}
	}
	require.NotNil(t, payment)
	require.Equal(t, customer, payment.Card)
	require.Equal(t, int64(200), payment.Spend.Int64())
}

func TestPaymentRejections(t *testing.T) {
	f := newFixture(t, 0)
	merchant := f.registerMerchant(t)

	err := f.pay(t, customer, oneDAI)
	require.True(t, errors.Is(err, cerrors.ErrMerchantNotRegistered))

	payload, err := revenue.EncodeMerchantPayload(merchant)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Mint(owner, otherToken, customer, oneDAI))
	err = f.ledger.TransferAndCall(otherToken, customer, poolAddr, oneDAI, payload)
	require.True(t, errors.Is(err, cerrors.ErrTokenNotAllowed))

	err = f.ledger.TransferAndCall(daiToken, customer, poolAddr, oneDAI, []byte{0x01})
	require.True(t, errors.Is(err, cerrors.ErrInvalidPayload))
}

func TestClaimTokens(t *testing.T) {
	f := newFixture(t, 0)
	merchant := f.registerMerchant(t)
	require.NoError(t, f.pay(t, merchant, oneDAI))

	err := f.pool.ClaimTokens(customer, daiToken, oneDAI)
	require.True(t, errors.Is(err, cerrors.ErrMerchantNotRegistered))

	err = f.pool.ClaimTokens(merchant, daiToken, new(big.Int).Add(oneDAI, big.NewInt(1)))
	require.True(t, errors.Is(err, cerrors.ErrInsufficientBalance))

	calldata, err := revenue.PackClaimTokens(daiToken, oneDAI)
	require.NoError(t, err)
	require.NoError(t, f.pool.Handle(merchant, calldata))

	balance, err := f.ledger.BalanceOf(daiToken, merchant)
	require.NoError(t, err)
	require.Equal(t, 0, oneDAI.Cmp(balance))
	claimable, err := f.pool.Claimable(merchant, daiToken)
	require.NoError(t, err)
	require.Zero(t, claimable.Sign())

	require.True(t, errors.Is(f.pool.Handle(merchant, []byte{0xde, 0xad, 0xbe, 0xef}), cerrors.ErrUnknownMethod))
}

func TestRoleManagement(t *testing.T) {
	f := newFixture(t, 0)
	newTally := common.HexToAddress("0x00000000000000000000000000000000000000a9")

	require.True(t, errors.Is(f.pool.AddTally(tally, newTally), cerrors.ErrUnauthorized))
	require.NoError(t, f.pool.RemoveTally(owner, tally))
	require.NoError(t, f.pool.AddTally(owner, newTally))
	require.NoError(t, f.pool.AddPayableToken(owner, otherToken))
	require.NoError(t, f.pool.RemovePayableToken(owner, daiToken))

	cfg, err := f.pool.Config()
	require.NoError(t, err)
	require.Equal(t, []common.Address{newTally}, cfg.Tallys)
	require.Equal(t, []common.Address{otherToken}, cfg.PayableTokens)
}

func TestPausedPoolRejectsPayments(t *testing.T) {
	f := newFixture(t, 0)
	merchant := f.registerMerchant(t)
	require.NoError(t, f.st.SetPaused("revenue", true))
	require.True(t, errors.Is(f.pay(t, merchant, oneDAI), cerrors.ErrModulePaused))
}
