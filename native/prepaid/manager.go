// Package prepaid implements the prepaid card manager. Issuers send payable
// tokens to the manager with transferAndCall; every requested face value
// becomes a 2-of-2 multisig wallet owned by the issuer and the manager. The
// manager later co-signs split, sale and payment transactions on those
// wallets.
package prepaid

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/core/types"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	nativecommon "github.com/khengleng/mycard-pay-protocol/native/common"
	"github.com/khengleng/mycard-pay-protocol/native/revenue"
	"github.com/khengleng/mycard-pay-protocol/native/token"
)

type managerState interface {
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

// Manager issues and co-signs prepaid cards.
type Manager struct {
	address common.Address
	st      managerState
	ledger  tokenLedger
	wallets WalletFactory
	pool    RevenuePool
	emitter events.Emitter
}

// NewManager wires a manager deployed at address.
func NewManager(address common.Address, st managerState, ledger tokenLedger, wallets WalletFactory, pool RevenuePool) *Manager {
	return &Manager{
		address: address,
		st:      st,
		ledger:  ledger,
		wallets: wallets,
		pool:    pool,
		emitter: events.NoopEmitter{},
	}
}

// Address returns the manager address.
func (m *Manager) Address() common.Address { return m.address }

// SetState swaps the state backend.
func (m *Manager) SetState(st managerState) { m.st = st }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

func (m *Manager) guard() error {
	return nativecommon.Guard(m.st, nativecommon.ModulePrepaid)
}

func (m *Manager) owner() nativecommon.Authorizer {
	return nativecommon.NewAuthorizer(m.st, RolePrepaidOwner)
}

func (m *Manager) tally() nativecommon.Authorizer {
	return nativecommon.NewAuthorizer(m.st, RolePrepaidTally)
}

func (m *Manager) loadConfig() (*storedConfig, error) {
	cfg := new(storedConfig)
	ok, err := m.st.KVGet(state.PrepaidConfigKey(m.address), cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrNotConfigured, "prepaid card manager")
	}
	return cfg, nil
}

func (m *Manager) storeConfig(cfg *storedConfig) error {
	return m.st.KVPut(state.PrepaidConfigKey(m.address), cfg)
}

// Config reads the current configuration aggregate.
func (m *Manager) Config() (*Config, error) {
	stored, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	tallys, err := m.st.RoleMembers(RolePrepaidTally)
	if err != nil {
		return nil, err
	}
	return &Config{
		Tallys:        tallys,
		PayableTokens: append([]common.Address(nil), stored.PayableTokens...),
		MinimumAmount: new(big.Int).Set(stored.MinimumAmount),
		MaximumAmount: new(big.Int).Set(stored.MaximumAmount),
	}, nil
}

// Setup installs the configuration. Nil bounds fall back to the defaults.
func (m *Manager) Setup(caller common.Address, cfg Config) error {
	if err := m.owner().Require(caller); err != nil {
		return err
	}
	minimum := cfg.MinimumAmount
	if minimum == nil {
		minimum = big.NewInt(DefaultMinimumAmount)
	}
	maximum := cfg.MaximumAmount
	if maximum == nil {
		maximum = big.NewInt(DefaultMaximumAmount)
	}
	if err := validBounds(minimum, maximum); err != nil {
		return err
	}
	for _, tally := range cfg.Tallys {
		if err := m.st.SetRole(RolePrepaidTally, tally); err != nil {
			return err
		}
	}
	stored := &storedConfig{
		PayableTokens: normalize(cfg.PayableTokens),
		MinimumAmount: new(big.Int).Set(minimum),
		MaximumAmount: new(big.Int).Set(maximum),
	}
	if err := m.storeConfig(stored); err != nil {
		return err
	}
	m.configUpdated("setup", "", caller)
	return nil
}

func validBounds(minimum, maximum *big.Int) error {
	if minimum.Sign() <= 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "minimum face value must be positive")
	}
	if maximum.Cmp(minimum) < 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "maximum %s below minimum %s", maximum, minimum)
	}
	return nil
}

func (m *Manager) configUpdated(setting, value string, by common.Address) {
	m.emitter.Emit(events.PrepaidConfigUpdated{Setting: setting, Value: value, By: by})
}

// AddPayableToken accepts token for card issuance.
func (m *Manager) AddPayableToken(caller, tokenAddr common.Address) error {
	return m.setPayable(caller, tokenAddr, true)
}

// RemovePayableToken stops accepting token for new cards. Existing cards keep
// working.
func (m *Manager) RemovePayableToken(caller, tokenAddr common.Address) error {
	return m.setPayable(caller, tokenAddr, false)
}

func (m *Manager) setPayable(caller, tokenAddr common.Address, add bool) error {
	if err := m.owner().Require(caller); err != nil {
		return err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	kept := make([]common.Address, 0, len(cfg.PayableTokens)+1)
	for _, existing := range cfg.PayableTokens {
		if existing != tokenAddr {
			kept = append(kept, existing)
		}
	}
	setting := "payable_token_removed"
	if add {
		kept = append(kept, tokenAddr)
		setting = "payable_token_added"
	}
	cfg.PayableTokens = normalize(kept)
	if err := m.storeConfig(cfg); err != nil {
		return err
	}
	m.configUpdated(setting, tokenAddr.Hex(), caller)
	return nil
}

// AddTally grants the tally role.
func (m *Manager) AddTally(caller, tally common.Address) error {
	if err := m.owner().Require(caller); err != nil {
		return err
	}
	if tally == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "tally must not be zero")
	}
	if err := m.st.SetRole(RolePrepaidTally, tally); err != nil {
		return err
	}
	m.configUpdated("tally_added", tally.Hex(), caller)
	return nil
}

// RemoveTally revokes the tally role.
func (m *Manager) RemoveTally(caller, tally common.Address) error {
	if err := m.owner().Require(caller); err != nil {
		return err
	}
	if err := m.st.RemoveRole(RolePrepaidTally, tally); err != nil {
		return err
	}
	m.configUpdated("tally_removed", tally.Hex(), caller)
	return nil
}

// UpdateMinimumAmount sets the smallest face value, in SPEND, a card may have.
func (m *Manager) UpdateMinimumAmount(caller common.Address, amount *big.Int) error {
	return m.updateBound(caller, amount, true)
}

// UpdateMaximumAmount sets the largest face value, in SPEND, a card may have.
func (m *Manager) UpdateMaximumAmount(caller common.Address, amount *big.Int) error {
	return m.updateBound(caller, amount, false)
}

func (m *Manager) updateBound(caller common.Address, amount *big.Int, minimum bool) error {
	if err := m.tally().Require(caller); err != nil {
		return err
	}
	if amount == nil {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "amount must be set")
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	setting := "maximum_amount"
	if minimum {
		cfg.MinimumAmount = new(big.Int).Set(amount)
		setting = "minimum_amount"
	} else {
		cfg.MaximumAmount = new(big.Int).Set(amount)
	}
	if err := validBounds(cfg.MinimumAmount, cfg.MaximumAmount); err != nil {
		return err
	}
	if err := m.storeConfig(cfg); err != nil {
		return err
	}
	m.configUpdated(setting, amount.String(), caller)
	return nil
}

// Tallys lists the tally accounts.
func (m *Manager) Tallys() ([]common.Address, error) {
	return m.st.RoleMembers(RolePrepaidTally)
}

// PayableTokens lists the tokens accepted for issuance.
func (m *Manager) PayableTokens() ([]common.Address, error) {
	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.PayableTokens, nil
}

// MinimumAmount returns the lower face value bound in SPEND.
func (m *Manager) MinimumAmount() (*big.Int, error) {
	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.MinimumAmount, nil
}

// MaximumAmount returns the upper face value bound in SPEND.
func (m *Manager) MaximumAmount() (*big.Int, error) {
	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.MaximumAmount, nil
}

func (cfg *storedConfig) allows(tokenAddr common.Address) bool {
	for _, allowed := range cfg.PayableTokens {
		if allowed == tokenAddr {
			return true
		}
	}
	return false
}

// OnTokenTransfer creates cards from an incoming transferAndCall. The tokens
// already sit on the manager's balance; data carries (owner, amounts). Every
// amount is validated before the first wallet is created.
func (m *Manager) OnTokenTransfer(tokenAddr, from common.Address, amount *big.Int, data []byte) error {
	if err := m.guard(); err != nil {
		return err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.allows(tokenAddr) {
		return cerrors.Wrap(cerrors.ErrTokenNotAllowed, "%s", tokenAddr.Hex())
	}
	issuer, amounts, err := DecodeIssuance(data)
	if err != nil {
		return err
	}
	if issuer == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "card owner must not be zero")
	}
	if len(amounts) == 0 {
		return cerrors.Wrap(cerrors.ErrNoCardsRequested, "empty amounts")
	}
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a)
	}
	if total.Cmp(amount) != 0 {
		return cerrors.Wrap(cerrors.ErrInsufficientFunds, "sent %s, requested %s", amount, total)
	}
	spends := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		spend, err := m.faceValue(cfg, tokenAddr, a)
		if err != nil {
			return err
		}
		spends[i] = spend
	}
	source := common.Address{}
	if m.IsCard(from) {
		source = from
	}
	for i, a := range amounts {
		if _, err := m.createCard(issuer, tokenAddr, a, spends[i], source); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) faceValue(cfg *storedConfig, tokenAddr common.Address, amount *big.Int) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, cerrors.Wrap(cerrors.ErrFaceValueOutOfRange, "face value must be positive")
	}
	spend, err := m.pool.ConvertToSpend(tokenAddr, amount)
	if err != nil {
		return nil, err
	}
	if spend.Cmp(cfg.MinimumAmount) < 0 || spend.Cmp(cfg.MaximumAmount) > 0 {
		return nil, cerrors.Wrap(cerrors.ErrFaceValueOutOfRange, "%s SPEND not in [%s, %s]", spend, cfg.MinimumAmount, cfg.MaximumAmount)
	}
	return spend, nil
}

func (m *Manager) createCard(issuer, tokenAddr common.Address, amount, spend *big.Int, source common.Address) (common.Address, error) {
	cardAddr, err := m.wallets.Create([]common.Address{issuer, m.address}, cardThreshold)
	if err != nil {
		return common.Address{}, err
	}
	if err := m.ledger.Transfer(tokenAddr, m.address, cardAddr, amount); err != nil {
		return common.Address{}, err
	}
	card := &Card{Wallet: cardAddr, Issuer: issuer, IssueToken: tokenAddr}
	if err := m.st.KVPut(state.PrepaidCardKey(m.address, cardAddr), card); err != nil {
		return common.Address{}, err
	}
	if err := m.st.KVAppend(state.PrepaidCardIndexKey(m.address), cardAddr.Bytes()); err != nil {
		return common.Address{}, err
	}
	m.emitter.Emit(events.PrepaidCardCreated{
		Issuer: issuer,
		Card:   cardAddr,
		Token:  tokenAddr,
		Amount: new(big.Int).Set(amount),
		Spend:  spend,
		Source: source,
	})
	return cardAddr, nil
}

// Card returns the record for a managed card.
func (m *Manager) Card(cardAddr common.Address) (*Card, error) {
	card := new(Card)
	ok, err := m.st.KVGet(state.PrepaidCardKey(m.address, cardAddr), card)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrCardNotFound, "%s", cardAddr.Hex())
	}
	return card, nil
}

// CardDetails returns the issuer and issue token of a managed card.
func (m *Manager) CardDetails(cardAddr common.Address) (common.Address, common.Address, error) {
	card, err := m.Card(cardAddr)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return card.Issuer, card.IssueToken, nil
}

// IsCard reports whether addr is a card created by this manager.
func (m *Manager) IsCard(addr common.Address) bool {
	ok, err := m.st.KVGet(state.PrepaidCardKey(m.address, addr), nil)
	return err == nil && ok
}

// Cards lists every managed card in creation order.
func (m *Manager) Cards() ([]common.Address, error) {
	var raw [][]byte
	if err := m.st.KVGetList(state.PrepaidCardIndexKey(m.address), &raw); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = common.BytesToAddress(b)
	}
	return out, nil
}

// ContractSignature is the pre-approved signature slot of the manager.
func (m *Manager) ContractSignature() []byte {
	return crypto.ContractSignature(m.address)
}

// AppendAdminSignature pairs an owner's off-chain signature with the
// manager's pre-approved slot in the order card wallets expect.
func (m *Manager) AppendAdminSignature(signer common.Address, sig []byte) ([]byte, error) {
	return crypto.ComposeSignature(m.address, signer, sig)
}

func (m *Manager) openCard(cardAddr common.Address) (*Card, WalletHandle, error) {
	card, err := m.Card(cardAddr)
	if err != nil {
		return nil, nil, err
	}
	handle, err := m.wallets.Wallet(cardAddr)
	if err != nil {
		return nil, nil, err
	}
	return card, handle, nil
}

func cardTx(to common.Address, data []byte) *types.Transaction {
	return &types.Transaction{To: to, Value: new(big.Int), Data: data}
}

// SplitCardData is the token calldata a card runs to split itself into
// cards of the given amounts, all issued to issuer.
func (m *Manager) SplitCardData(issuer common.Address, amounts []*big.Int) ([]byte, error) {
	payload, err := EncodeIssuance(issuer, amounts)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, a := range amounts {
		if a == nil || a.Sign() < 0 {
			return nil, cerrors.Wrap(cerrors.ErrInvalidAmount, "split amounts must be non-negative")
		}
		total.Add(total, a)
	}
	return token.PackTransferAndCall(m.address, total, payload)
}

// SplitCardHash is the digest the card owners sign to authorise a split at
// the card's current nonce.
func (m *Manager) SplitCardHash(cardAddr, issuer, tokenAddr common.Address, amounts []*big.Int) (common.Hash, error) {
	data, err := m.SplitCardData(issuer, amounts)
	if err != nil {
		return common.Hash{}, err
	}
	return m.currentHash(cardAddr, cardTx(tokenAddr, data))
}

// SellCardData is the wallet calldata that hands card ownership from from to
// to.
func (m *Manager) SellCardData(from, to common.Address) ([]byte, error) {
	return packSwapOwner(from, to)
}

// SellCardHash is the digest the card owners sign to authorise a sale at the
// card's current nonce.
func (m *Manager) SellCardHash(cardAddr, from, to common.Address) (common.Hash, error) {
	data, err := m.SellCardData(from, to)
	if err != nil {
		return common.Hash{}, err
	}
	return m.currentHash(cardAddr, cardTx(cardAddr, data))
}

// PayData is the token calldata a card runs to pay amount to merchant through
// the revenue pool.
func (m *Manager) PayData(merchant common.Address, amount *big.Int) ([]byte, error) {
	payload, err := revenue.EncodeMerchantPayload(merchant)
	if err != nil {
		return nil, err
	}
	return token.PackTransferAndCall(m.pool.Address(), amount, payload)
}

// PayForMerchantHash is the digest the card owners sign to authorise a
// payment at the card's current nonce.
func (m *Manager) PayForMerchantHash(cardAddr, tokenAddr, merchant common.Address, amount *big.Int) (common.Hash, error) {
	data, err := m.PayData(merchant, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return m.currentHash(cardAddr, cardTx(tokenAddr, data))
}

func (m *Manager) currentHash(cardAddr common.Address, tx *types.Transaction) (common.Hash, error) {
	handle, err := m.wallets.Wallet(cardAddr)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := handle.Nonce()
	if err != nil {
		return common.Hash{}, err
	}
	return handle.TxHash(tx, nonce), nil
}

// SplitCard runs a split on card. caller relays the request and is recorded on
// the emitted event; the card wallet sees the manager as the executing party,
// which validates the manager's pre-approved slot in sigs.
func (m *Manager) SplitCard(caller, cardAddr, issuer, tokenAddr common.Address, amounts []*big.Int, sigs []byte) error {
	if err := m.guard(); err != nil {
		return err
	}
	card, handle, err := m.openCard(cardAddr)
	if err != nil {
		return err
	}
	if card.IssueToken != tokenAddr {
		return cerrors.Wrap(cerrors.ErrTokenNotAllowed, "card %s was issued in %s", cardAddr.Hex(), card.IssueToken.Hex())
	}
	if len(amounts) == 0 {
		return cerrors.Wrap(cerrors.ErrNoCardsRequested, "empty split")
	}
	data, err := m.SplitCardData(issuer, amounts)
	if err != nil {
		return err
	}
	nonce, err := handle.Nonce()
	if err != nil {
		return err
	}
	if err := handle.Execute(m.address, cardTx(tokenAddr, data), sigs); err != nil {
		return err
	}
	copied := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		copied[i] = new(big.Int).Set(a)
	}
	m.emitter.Emit(events.PrepaidCardSplit{Card: cardAddr, Issuer: issuer, Token: tokenAddr, Amounts: copied, Nonce: nonce, Relayer: caller})
	return nil
}

// SellCard transfers card ownership from from to to on behalf of caller.
func (m *Manager) SellCard(caller, cardAddr, from, to common.Address, sigs []byte) error {
	if err := m.guard(); err != nil {
		return err
	}
	_, handle, err := m.openCard(cardAddr)
	if err != nil {
		return err
	}
	if from == m.address {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "the manager cannot sell its own ownership")
	}
	data, err := m.SellCardData(from, to)
	if err != nil {
		return err
	}
	nonce, err := handle.Nonce()
	if err != nil {
		return err
	}
	if err := handle.Execute(m.address, cardTx(cardAddr, data), sigs); err != nil {
		return err
	}
	m.emitter.Emit(events.PrepaidCardSold{Card: cardAddr, From: from, To: to, Nonce: nonce, Relayer: caller})
	return nil
}

// PayForMerchant spends amount of token from card at merchant on behalf of
// caller.
func (m *Manager) PayForMerchant(caller, cardAddr, tokenAddr, merchant common.Address, amount *big.Int, sigs []byte) error {
	if err := m.guard(); err != nil {
		return err
	}
	_, handle, err := m.openCard(cardAddr)
	if err != nil {
		return err
	}
	if !m.pool.IsMerchant(merchant) {
		return cerrors.Wrap(cerrors.ErrMerchantNotRegistered, "%s", merchant.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "payment must be positive")
	}
	data, err := m.PayData(merchant, amount)
	if err != nil {
		return err
	}
	nonce, err := handle.Nonce()
	if err != nil {
		return err
	}
	if err := handle.Execute(m.address, cardTx(tokenAddr, data), sigs); err != nil {
		return err
	}
	m.emitter.Emit(events.PrepaidCardPaid{
		Card:     cardAddr,
		Merchant: merchant,
		Token:    tokenAddr,
		Amount:   new(big.Int).Set(amount),
		Nonce:    nonce,
		Relayer:  caller,
	})
	return nil
}

func normalize(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
