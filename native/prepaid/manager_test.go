package prepaid_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
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

	managerAddr = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	poolAddr    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	factoryAddr = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	daiToken    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	spendToken  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	mockToken   = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	daiFeed     = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	ethFeed     = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	daiOracle   = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

var oneDAI = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func dai(n int64) *big.Int { return new(big.Int).Mul(oneDAI, big.NewInt(n)) }

func dais(ns ...int64) []*big.Int {
	out := make([]*big.Int, len(ns))
	for i, n := range ns {
		out[i] = dai(n)
	}
	return out
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(e events.Event) {
	c.events = append(c.events, e)
}

func (c *capturingEmitter) created() []events.PrepaidCardCreated {
	var out []events.PrepaidCardCreated
	for _, evt := range c.events {
		if created, ok := evt.(events.PrepaidCardCreated); ok {
			out = append(out, created)
		}
	}
	return out
}

type cardWallets struct{ *wallet.Factory }

func (w cardWallets) Wallet(addr common.Address) (prepaid.WalletHandle, error) {
	h, err := w.Open(addr)
	if err != nil {
		return nil, err
	}
	return h, nil
}

type ledgerDispatcher struct{ ledger *token.Ledger }

func (d ledgerDispatcher) Call(from, to common.Address, data []byte) error {
	return d.ledger.Handle(from, to, data)
}

type harness struct {
	st       *state.Manager
	ledger   *token.Ledger
	factory  *wallet.Factory
	pool     *revenue.Pool
	manager  *prepaid.Manager
	emitter  *capturingEmitter
	issuer   *crypto.PrivateKey
	customer *crypto.PrivateKey
	merchant common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := statetrie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("create trie: %v", err)
	}
	st := state.NewManager(tr)
	for role, member := range map[string]common.Address{
		oracle.RoleOracleAdmin:   owner,
		revenue.RoleRevenueOwner: owner,
		prepaid.RolePrepaidOwner: owner,
	} {
		if err := st.SetRole(role, member); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}

	h := &harness{st: st, emitter: &capturingEmitter{}}
	h.ledger = token.NewLedger(st)
	mustOK(t, h.ledger.RegisterToken(daiToken, "DAI.CPXD", "Dai Stablecoin", 18, owner))
	mustOK(t, h.ledger.RegisterToken(mockToken, "MOCK.CPXD", "Mock", 18, owner))
	mustOK(t, h.ledger.RegisterToken(spendToken, "SPD", "Spend", 0, poolAddr))

	engine := oracle.NewEngine(st)
	mustOK(t, engine.CreateFeed(owner, daiFeed, "DAI", 8))
	mustOK(t, engine.AddRound(owner, daiFeed, big.NewInt(100_000_000), 1618433281, 1618433281))
	mustOK(t, engine.CreateFeed(owner, ethFeed, "ETH", 8))
	mustOK(t, engine.AddRound(owner, ethFeed, big.NewInt(300_000_000_000), 1618433281, 1618433281))
	mustOK(t, engine.CreateAdapter(owner, daiOracle, oracle.KindChainlink))
	mustOK(t, engine.SetupChainlink(owner, daiOracle, oracle.ChainlinkConfig{
		TokenUSDFeed: daiFeed,
		ETHUSDFeed:   ethFeed,
		DAIUSDFeed:   daiFeed,
	}))

	h.factory = wallet.NewFactory(factoryAddr, 1, st)
	h.factory.SetDispatcher(ledgerDispatcher{ledger: h.ledger})
	h.pool = revenue.NewPool(poolAddr, st, h.ledger, h.factory, engine)
	h.manager = prepaid.NewManager(managerAddr, st, h.ledger, cardWallets{h.factory}, h.pool)
	h.manager.SetEmitter(h.emitter)
	h.ledger.RegisterReceiver(poolAddr, h.pool)
	h.ledger.RegisterReceiver(managerAddr, h.manager)

	mustOK(t, h.pool.Setup(owner, revenue.Config{
		SpendToken:    spendToken,
		PayableTokens: []common.Address{daiToken},
		Tallys:        []common.Address{tally},
	}))
	mustOK(t, h.pool.CreateExchange(owner, "DAI", daiOracle))
	mustOK(t, h.manager.Setup(owner, prepaid.Config{
		Tallys:        []common.Address{tally},
		PayableTokens: []common.Address{daiToken},
		MinimumAmount: big.NewInt(100),
		MaximumAmount: big.NewInt(500_000),
	}))

	h.merchant, err = h.pool.RegisterMerchant(tally, merchantKey, "merchant-1")
	if err != nil {
		t.Fatalf("register merchant: %v", err)
	}
	h.issuer = mustKey(t)
	h.customer = mustKey(t)
	mustOK(t, h.ledger.Mint(owner, daiToken, h.issuer.Address(), dai(1000)))
	return h
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// atomic runs fn and rolls the state back when it fails.
func (h *harness) atomic(fn func() error) error {
	cp := h.st.Checkpoint()
	if err := fn(); err != nil {
		h.st.Rollback(cp)
		return err
	}
	return nil
}

func (h *harness) issue(t *testing.T, sent *big.Int, amounts []*big.Int) error {
	t.Helper()
	payload, err := prepaid.EncodeIssuance(h.issuer.Address(), amounts)
	if err != nil {
		t.Fatalf("encode issuance: %v", err)
	}
	return h.atomic(func() error {
		return h.ledger.TransferAndCall(daiToken, h.issuer.Address(), managerAddr, sent, payload)
	})
}

func (h *harness) balance(t *testing.T, tokenAddr, account common.Address) *big.Int {
	t.Helper()
	bal, err := h.ledger.BalanceOf(tokenAddr, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) firstCard(t *testing.T) common.Address {
	t.Helper()
	if err := h.issue(t, dai(10), dais(10)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	cards, err := h.manager.Cards()
	if err != nil || len(cards) == 0 {
		t.Fatalf("cards: %v %v", cards, err)
	}
	return cards[len(cards)-1]
}

func TestCreateMultipleCards(t *testing.T) {
	h := newHarness(t)
	if err := h.issue(t, dai(13), dais(1, 2, 10)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	created := h.emitter.created()
	if len(created) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(created))
	}
	for i, want := range []int64{1, 2, 10} {
		card := created[i]
		if h.balance(t, daiToken, card.Card).Cmp(dai(want)) != 0 {
			t.Fatalf("card %d holds %s", i, h.balance(t, daiToken, card.Card))
		}
		if card.Spend.Int64() != want*100 {
			t.Fatalf("card %d spend %s", i, card.Spend)
		}
		handle, err := h.factory.Open(card.Card)
		mustOK(t, err)
		owners, err := handle.Owners()
		mustOK(t, err)
		threshold, err := handle.Threshold()
		mustOK(t, err)
		if len(owners) != 2 || !handle.IsOwner(h.issuer.Address()) || !handle.IsOwner(managerAddr) || threshold != 2 {
			t.Fatalf("card %d owners %v threshold %d", i, owners, threshold)
		}
		issuer, issueToken, err := h.manager.CardDetails(card.Card)
		mustOK(t, err)
		if issuer != h.issuer.Address() || issueToken != daiToken {
			t.Fatalf("card details %s %s", issuer.Hex(), issueToken.Hex())
		}
	}
	if h.balance(t, daiToken, managerAddr).Sign() != 0 {
		t.Fatalf("manager should not retain tokens")
	}
}

func TestCreateRejectsMismatchedFunds(t *testing.T) {
	h := newHarness(t)
	before := h.balance(t, daiToken, h.issuer.Address())
	if err := h.issue(t, dai(6), dais(1, 2, 9)); !errors.Is(err, cerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := h.issue(t, dai(20), dais(1, 2)); !errors.Is(err, cerrors.ErrInsufficientFunds) {
		t.Fatalf("expected overpayment rejection, got %v", err)
	}
	if cerrors.Reason(h.issue(t, dai(6), dais(1, 2, 9))) != "insufficient funds sent for requested amounts" {
		t.Fatalf("unexpected reason")
	}
	if h.balance(t, daiToken, h.issuer.Address()).Cmp(before) != 0 {
		t.Fatalf("issuer balance changed")
	}
	if len(h.emitter.created()) != 0 {
		t.Fatalf("no card should exist")
	}
}

func TestCreateEnforcesFaceValueBounds(t *testing.T) {
	h := newHarness(t)
	mustOK(t, h.ledger.Mint(owner, daiToken, h.issuer.Address(), dai(5_000_000)))
	if err := h.issue(t, dai(5_000_003), dais(1, 2, 5_000_000)); !errors.Is(err, cerrors.ErrFaceValueOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if err := h.issue(t, big.NewInt(0), []*big.Int{big.NewInt(0)}); !errors.Is(err, cerrors.ErrFaceValueOutOfRange) {
		t.Fatalf("expected zero face value rejection, got %v", err)
	}
	if err := h.issue(t, big.NewInt(1), []*big.Int{big.NewInt(1)}); !errors.Is(err, cerrors.ErrFaceValueOutOfRange) {
		t.Fatalf("expected dust rejection, got %v", err)
	}
	if len(h.emitter.created()) != 0 {
		t.Fatalf("no card should exist")
	}
}

func TestCreateRejectsUnknownTokenAndEmptyRequest(t *testing.T) {
	h := newHarness(t)
	mustOK(t, h.ledger.Mint(owner, mockToken, h.issuer.Address(), dai(10)))
	payload, err := prepaid.EncodeIssuance(h.issuer.Address(), dais(10))
	mustOK(t, err)
	err = h.atomic(func() error {
		return h.ledger.TransferAndCall(mockToken, h.issuer.Address(), managerAddr, dai(10), payload)
	})
	if !errors.Is(err, cerrors.ErrTokenNotAllowed) {
		t.Fatalf("expected token rejection, got %v", err)
	}
	if err := h.issue(t, big.NewInt(0), nil); !errors.Is(err, cerrors.ErrNoCardsRequested) {
		t.Fatalf("expected empty request rejection, got %v", err)
	}
}

func TestSplitCard(t *testing.T) {
	h := newHarness(t)
	card := h.firstCard(t)
	amounts := dais(1, 2, 3)

	hash, err := h.manager.SplitCardHash(card, h.issuer.Address(), daiToken, amounts)
	mustOK(t, err)
	mustOK(t, h.factory.ApproveHash(card, h.issuer.Address(), hash))
	sigs, err := h.manager.AppendAdminSignature(h.issuer.Address(), crypto.ContractSignature(h.issuer.Address()))
	mustOK(t, err)

	h.emitter.events = nil
	mustOK(t, h.atomic(func() error {
		return h.manager.SplitCard(owner, card, h.issuer.Address(), daiToken, amounts, sigs)
	}))

	created := h.emitter.created()
	if len(created) != 3 {
		t.Fatalf("expected 3 split cards, got %d", len(created))
	}
	var split *events.PrepaidCardSplit
	for _, evt := range h.emitter.events {
		if e, ok := evt.(events.PrepaidCardSplit); ok {
			split = &e
		}
	}
	if split == nil || split.Relayer != owner || split.Nonce != 0 {
		t.Fatalf("split event should record relayer and nonce: %+v", split)
	}
	for i, evt := range created {
		if evt.Source != card || evt.Issuer != h.issuer.Address() || evt.Amount.Cmp(amounts[i]) != 0 {
			t.Fatalf("split card %d: %+v", i, evt)
		}
	}
	if got := h.balance(t, daiToken, card); got.Cmp(dai(4)) != 0 {
		t.Fatalf("source card should keep 4 DAI, has %s", got)
	}

	err = h.manager.SplitCard(owner, card, h.issuer.Address(), mockToken, amounts, sigs)
	if !errors.Is(err, cerrors.ErrTokenNotAllowed) {
		t.Fatalf("expected issue token mismatch, got %v", err)
	}
	err = h.manager.SplitCard(owner, h.merchant, h.issuer.Address(), daiToken, amounts, sigs)
	if !errors.Is(err, cerrors.ErrCardNotFound) {
		t.Fatalf("expected unmanaged card rejection, got %v", err)
	}
}

func (h *harness) signedSplit(t *testing.T, card common.Address, amounts []*big.Int) []byte {
	t.Helper()
	hash, err := h.manager.SplitCardHash(card, h.issuer.Address(), daiToken, amounts)
	mustOK(t, err)
	raw, err := h.issuer.SignHash(hash)
	mustOK(t, err)
	sigs, err := h.manager.AppendAdminSignature(h.issuer.Address(), raw)
	mustOK(t, err)
	return sigs
}

func (h *harness) nonce(t *testing.T, card common.Address) uint64 {
	t.Helper()
	handle, err := h.factory.Open(card)
	mustOK(t, err)
	nonce, err := handle.Nonce()
	mustOK(t, err)
	return nonce
}

func TestSplitRejectionsLeaveCardUntouched(t *testing.T) {
	cases := []struct {
		name    string
		amounts []*big.Int
		want    error
	}{
		{name: "sum exceeds balance", amounts: dais(4, 7), want: cerrors.ErrInsufficientBalance},
		// 0.5 DAI is 50 SPEND, below the 100 SPEND minimum.
		{name: "one amount below minimum", amounts: []*big.Int{dai(1), new(big.Int).Div(oneDAI, big.NewInt(2))}, want: cerrors.ErrFaceValueOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			card := h.firstCard(t)
			sigs := h.signedSplit(t, card, tc.amounts)

			root := h.st.Hash()
			nonce := h.nonce(t, card)
			before, err := h.manager.Cards()
			mustOK(t, err)

			err = h.atomic(func() error {
				return h.manager.SplitCard(owner, card, h.issuer.Address(), daiToken, tc.amounts, sigs)
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := h.balance(t, daiToken, card); got.Cmp(dai(10)) != 0 {
				t.Fatalf("card balance changed to %s", got)
			}
			if got := h.nonce(t, card); got != nonce {
				t.Fatalf("nonce advanced from %d to %d", nonce, got)
			}
			after, err := h.manager.Cards()
			mustOK(t, err)
			if len(after) != len(before) {
				t.Fatalf("expected %d cards, got %d", len(before), len(after))
			}
			if h.st.Hash() != root {
				t.Fatalf("state root changed after rejected split")
			}
		})
	}
}

func TestSellCardAndReplay(t *testing.T) {
	h := newHarness(t)
	card := h.firstCard(t)

	hash, err := h.manager.SellCardHash(card, h.issuer.Address(), h.customer.Address())
	mustOK(t, err)
	raw, err := h.issuer.SignHash(hash)
	mustOK(t, err)
	sigs, err := h.manager.AppendAdminSignature(h.issuer.Address(), raw)
	mustOK(t, err)

	mustOK(t, h.atomic(func() error {
		return h.manager.SellCard(owner, card, h.issuer.Address(), h.customer.Address(), sigs)
	}))
	handle, err := h.factory.Open(card)
	mustOK(t, err)
	if !handle.IsOwner(h.customer.Address()) || handle.IsOwner(h.issuer.Address()) {
		t.Fatalf("ownership did not move")
	}

	err = h.atomic(func() error {
		return h.manager.SellCard(owner, card, h.issuer.Address(), h.customer.Address(), sigs)
	})
	if !errors.Is(err, cerrors.ErrSignatureRejected) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestPayForMerchant(t *testing.T) {
	h := newHarness(t)
	card := h.firstCard(t)

	pay := func(amount *big.Int) error {
		hash, err := h.manager.PayForMerchantHash(card, daiToken, h.merchant, amount)
		mustOK(t, err)
		raw, err := h.issuer.SignHash(hash)
		mustOK(t, err)
		sigs, err := h.manager.AppendAdminSignature(h.issuer.Address(), raw)
		mustOK(t, err)
		return h.atomic(func() error {
			return h.manager.PayForMerchant(owner, card, daiToken, h.merchant, amount, sigs)
		})
	}

	mustOK(t, pay(dai(3)))
	if got := h.balance(t, spendToken, h.merchant); got.Int64() != 300 {
		t.Fatalf("merchant SPEND %s", got)
	}
	var paid *events.PrepaidCardPaid
	for _, evt := range h.emitter.events {
		if e, ok := evt.(events.PrepaidCardPaid); ok {
			paid = &e
		}
	}
	if paid == nil || paid.Relayer != owner || paid.Nonce != 0 || paid.Merchant != h.merchant {
		t.Fatalf("pay event should record relayer and nonce: %+v", paid)
	}
	if got := h.balance(t, daiToken, card); got.Cmp(dai(7)) != 0 {
		t.Fatalf("card balance %s", got)
	}

	before := h.balance(t, daiToken, card)
	if err := pay(dai(8)); !errors.Is(err, cerrors.ErrInsufficientBalance) {
		t.Fatalf("expected overspend rejection, got %v", err)
	}
	if h.balance(t, daiToken, card).Cmp(before) != 0 || h.balance(t, spendToken, h.merchant).Int64() != 300 {
		t.Fatalf("balances changed after failed payment")
	}

	err := h.manager.PayForMerchant(owner, card, daiToken, h.customer.Address(), dai(1), nil)
	if !errors.Is(err, cerrors.ErrMerchantNotRegistered) {
		t.Fatalf("expected merchant rejection, got %v", err)
	}
}

func TestPayReplayRejectedByNonce(t *testing.T) {
	h := newHarness(t)
	card := h.firstCard(t)

	hash, err := h.manager.PayForMerchantHash(card, daiToken, h.merchant, dai(2))
	mustOK(t, err)
	raw, err := h.issuer.SignHash(hash)
	mustOK(t, err)
	sigs, err := h.manager.AppendAdminSignature(h.issuer.Address(), raw)
	mustOK(t, err)

	mustOK(t, h.atomic(func() error {
		return h.manager.PayForMerchant(owner, card, daiToken, h.merchant, dai(2), sigs)
	}))
	if got := h.nonce(t, card); got != 1 {
		t.Fatalf("expected nonce 1, got %d", got)
	}

	// Ownership is unchanged, so only the nonce separates the two attempts.
	root := h.st.Hash()
	err = h.atomic(func() error {
		return h.manager.PayForMerchant(owner, card, daiToken, h.merchant, dai(2), sigs)
	})
	if !errors.Is(err, cerrors.ErrSignatureRejected) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if h.st.Hash() != root {
		t.Fatalf("state changed after replay")
	}
	if got := h.balance(t, daiToken, card); got.Cmp(dai(8)) != 0 {
		t.Fatalf("card balance %s", got)
	}
	if got := h.balance(t, spendToken, h.merchant); got.Int64() != 200 {
		t.Fatalf("merchant SPEND %s", got)
	}

	fresh, err := h.manager.PayForMerchantHash(card, daiToken, h.merchant, dai(2))
	mustOK(t, err)
	if fresh == hash {
		t.Fatalf("hash should change with the nonce")
	}
	raw, err = h.issuer.SignHash(fresh)
	mustOK(t, err)
	sigs, err = h.manager.AppendAdminSignature(h.issuer.Address(), raw)
	mustOK(t, err)
	mustOK(t, h.atomic(func() error {
		return h.manager.PayForMerchant(owner, card, daiToken, h.merchant, dai(2), sigs)
	}))
}

func TestRoleGatedConfiguration(t *testing.T) {
	h := newHarness(t)
	newTally := common.HexToAddress("0x00000000000000000000000000000000000000a9")

	if err := h.manager.AddTally(tally, newTally); !errors.Is(err, cerrors.ErrUnauthorized) {
		t.Fatalf("tally must not manage tallys: %v", err)
	}
	mustOK(t, h.manager.RemoveTally(owner, tally))
	mustOK(t, h.manager.AddTally(owner, newTally))
	tallys, err := h.manager.Tallys()
	mustOK(t, err)
	if len(tallys) != 1 || tallys[0] != newTally {
		t.Fatalf("tallys %v", tallys)
	}

	mustOK(t, h.manager.AddPayableToken(owner, mockToken))
	mustOK(t, h.manager.RemovePayableToken(owner, daiToken))
	tokens, err := h.manager.PayableTokens()
	mustOK(t, err)
	if len(tokens) != 1 || tokens[0] != mockToken {
		t.Fatalf("payable tokens %v", tokens)
	}

	if err := h.manager.UpdateMinimumAmount(owner, big.NewInt(50)); !errors.Is(err, cerrors.ErrUnauthorized) {
		t.Fatalf("owner is not a tally: %v", err)
	}
	mustOK(t, h.manager.UpdateMinimumAmount(newTally, big.NewInt(200)))
	mustOK(t, h.manager.UpdateMaximumAmount(newTally, big.NewInt(1_000_000)))
	minimum, err := h.manager.MinimumAmount()
	mustOK(t, err)
	maximum, err := h.manager.MaximumAmount()
	mustOK(t, err)
	if minimum.Int64() != 200 || maximum.Int64() != 1_000_000 {
		t.Fatalf("bounds %s %s", minimum, maximum)
	}
	if err := h.manager.UpdateMaximumAmount(newTally, big.NewInt(10)); !errors.Is(err, cerrors.ErrInvalidAmount) {
		t.Fatalf("expected max below min rejection, got %v", err)
	}
}

func TestPausedManagerRejectsIssuance(t *testing.T) {
	h := newHarness(t)
	mustOK(t, h.st.SetPaused("prepaid", true))
	if err := h.issue(t, dai(10), dais(10)); !errors.Is(err, cerrors.ErrModulePaused) {
		t.Fatalf("expected paused rejection, got %v", err)
	}
}
