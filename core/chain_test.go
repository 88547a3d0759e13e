package core

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/khengleng/mycard-pay-protocol/config"
	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
	"github.com/khengleng/mycard-pay-protocol/native/revenue"
	"github.com/khengleng/mycard-pay-protocol/native/wallet"
	"github.com/khengleng/mycard-pay-protocol/storage"
)

var (
	testManager = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	testPool    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	testFactory = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	testDAI     = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	testSPD     = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	testTally   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func dai(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func dais(ns ...int64) []*big.Int {
	out := make([]*big.Int, len(ns))
	for i, n := range ns {
		out[i] = dai(n)
	}
	return out
}

type recorder struct{ events []events.Event }

func (r *recorder) Emit(e events.Event) { r.events = append(r.events, e) }

func (r *recorder) cards() []events.PrepaidCardCreated {
	var out []events.PrepaidCardCreated
	for _, e := range r.events {
		if created, ok := e.(events.PrepaidCardCreated); ok {
			out = append(out, created)
		}
	}
	return out
}

func testConfig(owner common.Address) *config.Config {
	return &config.Config{
		ChainID: 1,
		Accounts: config.Accounts{
			Owner:         owner.Hex(),
			Tally:         testTally.Hex(),
			Manager:       testManager.Hex(),
			RevenuePool:   testPool.Hex(),
			WalletFactory: testFactory.Hex(),
		},
		Prepaid: config.Prepaid{MinimumAmount: 100, MaximumAmount: 500000, PayableTokens: []string{"DAI.CPXD"}},
		Revenue: config.Revenue{SpendToken: "SPD", PayableTokens: []string{"DAI.CPXD"}},
		Tokens: []config.Token{
			{Symbol: "DAI.CPXD", Name: "Dai", Address: testDAI.Hex(), Decimals: 18},
			{Symbol: "SPD", Name: "Spend", Address: testSPD.Hex()},
		},
		Feeds: []config.Feed{
			{Name: "DAI/USD", Address: "0x0000000000000000000000000000000000000f01", Decimals: 8, InitialAnswer: "100000000"},
			{Name: "ETH/USD", Address: "0x0000000000000000000000000000000000000f02", Decimals: 8, InitialAnswer: "300000000000"},
		},
		Oracles: []config.Oracle{{
			Exchange: "DAI", Address: "0x0000000000000000000000000000000000000c01", Kind: "chainlink",
			TokenFeed: "DAI/USD", ETHFeed: "ETH/USD", DAIFeed: "DAI/USD",
		}},
	}
}

type e2e struct {
	chain    *Chain
	rec      *recorder
	operator *crypto.PrivateKey
	issuer   *crypto.PrivateKey
	customer *crypto.PrivateKey
	ctx      context.Context
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	rec := &recorder{}
	chain, err := NewChain(db, 1, Addresses{Manager: testManager, RevenuePool: testPool, WalletFactory: testFactory}, WithSubscriber(rec))
	require.NoError(t, err)

	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	issuer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	customer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	ctx := context.Background()
	require.False(t, chain.Bootstrapped())
	require.NoError(t, chain.Bootstrap(ctx, testConfig(operator.Address())))
	require.True(t, chain.Bootstrapped())
	require.NoError(t, chain.Mint(ctx, operator.Address(), testDAI, issuer.Address(), dai(1000)))
	rec.events = nil
	return &e2e{chain: chain, rec: rec, operator: operator, issuer: issuer, customer: customer, ctx: ctx}
}

func (e *e2e) balance(t *testing.T, tokenAddr, account common.Address) *big.Int {
	t.Helper()
	bal, err := e.chain.Ledger().BalanceOf(tokenAddr, account)
	require.NoError(t, err)
	return bal
}

func (e *e2e) issueOne(t *testing.T, amount int64) common.Address {
	t.Helper()
	require.NoError(t, e.chain.IssueCards(e.ctx, e.issuer.Address(), testDAI, e.issuer.Address(), dais(amount)))
	cards := e.rec.cards()
	require.NotEmpty(t, cards)
	return cards[len(cards)-1].Card
}

func TestIssueThreeCardsFromOneTransfer(t *testing.T) {
	e := newE2E(t)
	require.NoError(t, e.chain.IssueCards(e.ctx, e.issuer.Address(), testDAI, e.issuer.Address(), dais(1, 2, 10)))

	cards := e.rec.cards()
	require.Len(t, cards, 3)
	for i, want := range []int64{1, 2, 10} {
		require.Equal(t, 0, dai(want).Cmp(e.balance(t, testDAI, cards[i].Card)))
	}
	require.Equal(t, 0, dai(987).Cmp(e.balance(t, testDAI, e.issuer.Address())))
}

func TestIssueRejectionsLeaveNoTrace(t *testing.T) {
	e := newE2E(t)
	root := e.chain.StateRoot()

	payload, err := encodeIssuance(e.issuer.Address(), dais(1, 2, 9))
	require.NoError(t, err)
	err = e.chain.IssueCardsWithValue(e.ctx, e.issuer.Address(), testDAI, dai(6), payload)
	require.True(t, errors.Is(err, cerrors.ErrInsufficientFunds))
	require.Equal(t, "insufficient funds sent for requested amounts", cerrors.Reason(err))
	require.Equal(t, root, e.chain.StateRoot())

	require.NoError(t, e.chain.Mint(e.ctx, e.operator.Address(), testDAI, e.issuer.Address(), dai(5_000_000)))
	root = e.chain.StateRoot()
	err = e.chain.IssueCards(e.ctx, e.issuer.Address(), testDAI, e.issuer.Address(), dais(1, 2, 5_000_000))
	require.True(t, errors.Is(err, cerrors.ErrFaceValueOutOfRange))
	require.Equal(t, cerrors.KindBounds, cerrors.KindOf(err))

	require.Equal(t, root, e.chain.StateRoot())
	require.Empty(t, e.rec.cards())
}

func TestSplitCardThroughChain(t *testing.T) {
	e := newE2E(t)
	card := e.issueOne(t, 10)
	manager := e.chain.Manager()

	hash, err := manager.SplitCardHash(card, e.issuer.Address(), testDAI, dais(2, 3))
	require.NoError(t, err)
	require.NoError(t, e.chain.ApproveHash(e.ctx, card, e.issuer.Address(), hash))
	sigs, err := manager.AppendAdminSignature(e.issuer.Address(), crypto.ContractSignature(e.issuer.Address()))
	require.NoError(t, err)
	require.Len(t, sigs, 130)

	e.rec.events = nil
	require.NoError(t, e.chain.SplitCard(e.ctx, e.operator.Address(), card, e.issuer.Address(), testDAI, dais(2, 3), sigs))
	created := e.rec.cards()
	require.Len(t, created, 2)
	require.Equal(t, card, created[0].Source)
	require.Equal(t, 0, dai(5).Cmp(e.balance(t, testDAI, card)))

	handle, err := e.chain.Wallets().Open(card)
	require.NoError(t, err)
	nonce, err := handle.Nonce()
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	var split *events.PrepaidCardSplit
	for _, evt := range e.rec.events {
		if s, ok := evt.(events.PrepaidCardSplit); ok {
			split = &s
		}
	}
	require.NotNil(t, split)
	require.Equal(t, e.operator.Address(), split.Relayer)
}

func TestRejectedSplitsLeaveNoTrace(t *testing.T) {
	halfDAI := new(big.Int).Div(dai(1), big.NewInt(2))
	cases := []struct {
		name    string
		amounts []*big.Int
		want    error
	}{
		{name: "over balance", amounts: dais(5, 6), want: cerrors.ErrInsufficientBalance},
		{name: "one card below minimum", amounts: []*big.Int{dai(2), halfDAI}, want: cerrors.ErrFaceValueOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newE2E(t)
			card := e.issueOne(t, 10)
			manager := e.chain.Manager()

			hash, err := manager.SplitCardHash(card, e.issuer.Address(), testDAI, tc.amounts)
			require.NoError(t, err)
			raw, err := e.issuer.SignHash(hash)
			require.NoError(t, err)
			sigs, err := manager.AppendAdminSignature(e.issuer.Address(), raw)
			require.NoError(t, err)

			root := e.chain.StateRoot()
			e.rec.events = nil
			err = e.chain.SplitCard(e.ctx, e.operator.Address(), card, e.issuer.Address(), testDAI, tc.amounts, sigs)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.Equal(t, root, e.chain.StateRoot())
			require.Empty(t, e.rec.events)
			require.Equal(t, 0, dai(10).Cmp(e.balance(t, testDAI, card)))

			handle, err := e.chain.Wallets().Open(card)
			require.NoError(t, err)
			nonce, err := handle.Nonce()
			require.NoError(t, err)
			require.Equal(t, uint64(0), nonce)
		})
	}
}

func TestSellCardAndReplayRejected(t *testing.T) {
	e := newE2E(t)
	card := e.issueOne(t, 10)
	manager := e.chain.Manager()

	hash, err := manager.SellCardHash(card, e.issuer.Address(), e.customer.Address())
	require.NoError(t, err)
	raw, err := e.issuer.SignHash(hash)
	require.NoError(t, err)
	sigs, err := manager.AppendAdminSignature(e.issuer.Address(), raw)
	require.NoError(t, err)

	require.NoError(t, e.chain.SellCard(e.ctx, e.operator.Address(), card, e.issuer.Address(), e.customer.Address(), sigs))
	handle, err := e.chain.Wallets().Open(card)
	require.NoError(t, err)
	require.True(t, handle.IsOwner(e.customer.Address()))

	err = e.chain.SellCard(e.ctx, e.operator.Address(), card, e.issuer.Address(), e.customer.Address(), sigs)
	require.Error(t, err)
	require.Equal(t, cerrors.KindAuthorization, cerrors.KindOf(err))
}

func TestPayReplayRejectedAtNextNonce(t *testing.T) {
	e := newE2E(t)
	card := e.issueOne(t, 10)
	merchantOwner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	merchant, err := e.chain.RegisterMerchant(e.ctx, testTally, merchantOwner.Address(), "shop-2")
	require.NoError(t, err)

	hash, err := e.chain.Manager().PayForMerchantHash(card, testDAI, merchant, dai(1))
	require.NoError(t, err)
	raw, err := e.issuer.SignHash(hash)
	require.NoError(t, err)
	sigs, err := e.chain.Manager().AppendAdminSignature(e.issuer.Address(), raw)
	require.NoError(t, err)

	require.NoError(t, e.chain.PayForMerchant(e.ctx, e.operator.Address(), card, testDAI, merchant, dai(1), sigs))
	root := e.chain.StateRoot()
	err = e.chain.PayForMerchant(e.ctx, e.operator.Address(), card, testDAI, merchant, dai(1), sigs)
	require.True(t, errors.Is(err, cerrors.ErrSignatureRejected), "got %v", err)
	require.Equal(t, root, e.chain.StateRoot())
	require.Equal(t, int64(100), e.balance(t, testSPD, merchant).Int64())
}

func TestPayMerchantAndClaim(t *testing.T) {
	e := newE2E(t)
	card := e.issueOne(t, 10)
	merchantOwner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	merchant, err := e.chain.RegisterMerchant(e.ctx, testTally, merchantOwner.Address(), "shop-1")
	require.NoError(t, err)

	pay := func(amount *big.Int) error {
		hash, err := e.chain.Manager().PayForMerchantHash(card, testDAI, merchant, amount)
		require.NoError(t, err)
		raw, err := e.issuer.SignHash(hash)
		require.NoError(t, err)
		sigs, err := e.chain.Manager().AppendAdminSignature(e.issuer.Address(), raw)
		require.NoError(t, err)
		return e.chain.PayForMerchant(e.ctx, e.operator.Address(), card, testDAI, merchant, amount, sigs)
	}

	require.NoError(t, pay(dai(4)))
	require.Equal(t, int64(400), e.balance(t, testSPD, merchant).Int64())

	root := e.chain.StateRoot()
	require.True(t, errors.Is(pay(dai(7)), cerrors.ErrInsufficientBalance))
	require.Equal(t, root, e.chain.StateRoot())
	require.Equal(t, 0, dai(6).Cmp(e.balance(t, testDAI, card)))

	// The merchant wallet claims its revenue through a 1-of-1 owner signature.
	calldata, err := revenue.PackClaimTokens(testDAI, dai(4))
	require.NoError(t, err)
	tx := wallet.NewTransaction(testPool, calldata)
	handle, err := e.chain.Wallets().Open(merchant)
	require.NoError(t, err)
	nonce, err := handle.Nonce()
	require.NoError(t, err)
	sig, err := merchantOwner.SignHash(handle.TxHash(tx, nonce))
	require.NoError(t, err)
	require.NoError(t, e.chain.ExecuteWallet(e.ctx, merchantOwner.Address(), merchant, tx, sig))
	require.Equal(t, 0, dai(4).Cmp(e.balance(t, testDAI, merchant)))
}

func TestCommitAndReopen(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	addrs := Addresses{Manager: testManager, RevenuePool: testPool, WalletFactory: testFactory}
	chain, err := NewChain(db, 1, addrs)
	require.NoError(t, err)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, chain.Bootstrap(context.Background(), testConfig(operator.Address())))
	root, err := chain.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), chain.Height())

	reopened, err := NewChain(db, 1, addrs)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reopened.Height())
	require.Equal(t, root, reopened.StateRoot())
	require.True(t, reopened.Bootstrapped())
}

func TestPausedModuleRejectsTransitions(t *testing.T) {
	e := newE2E(t)
	require.NoError(t, e.chain.SetPaused(e.ctx, "prepaid", true))
	err := e.chain.IssueCards(e.ctx, e.issuer.Address(), testDAI, e.issuer.Address(), dais(1))
	require.True(t, errors.Is(err, cerrors.ErrModulePaused))
	require.NoError(t, e.chain.SetPaused(e.ctx, "prepaid", false))
	require.NoError(t, e.chain.IssueCards(e.ctx, e.issuer.Address(), testDAI, e.issuer.Address(), dais(1)))
}

func encodeIssuance(owner common.Address, amounts []*big.Int) ([]byte, error) {
	return prepaid.EncodeIssuance(owner, amounts)
}
