// Package token implements the fungible token ledger used by prepaid cards:
// plain transfers plus the transferAndCall hook through which a single
// transfer both funds a contract and tells it what to do with the funds.
package token

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
)

// Receiver is implemented by contracts that react to transferAndCall. The
// transfer has already been applied when the hook runs; returning an error
// aborts the enclosing transition.
type Receiver interface {
	OnTokenTransfer(token, from common.Address, amount *big.Int, data []byte) error
}

type ledgerState interface {
	RegisterToken(meta *state.TokenMetadata) error
	PutToken(meta *state.TokenMetadata) error
	Token(token common.Address) (*state.TokenMetadata, error)
	Balance(token, account common.Address) (*big.Int, error)
	AddBalance(token, account common.Address, amount *big.Int) error
	SubBalance(token, account common.Address, amount *big.Int) error
}

// Ledger moves token balances held in state.
type Ledger struct {
	st      ledgerState
	emitter events.Emitter

	mu        sync.RWMutex
	receivers map[common.Address]Receiver
}

// NewLedger creates a ledger backed by st.
func NewLedger(st ledgerState) *Ledger {
	return &Ledger{st: st, emitter: events.NoopEmitter{}, receivers: make(map[common.Address]Receiver)}
}

// SetState swaps the state backend.
func (l *Ledger) SetState(st ledgerState) { l.st = st }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// RegisterReceiver binds the transferAndCall hook of the contract at addr.
func (l *Ledger) RegisterReceiver(addr common.Address, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r == nil {
		delete(l.receivers, addr)
		return
	}
	l.receivers[addr] = r
}

func (l *Ledger) receiver(addr common.Address) Receiver {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.receivers[addr]
}

// RegisterToken creates a token. minter may be zero for fixed-supply tokens
// funded through Mint by a later-added minter.
func (l *Ledger) RegisterToken(addr common.Address, symbol, name string, decimals uint8, minter common.Address) error {
	meta := &state.TokenMetadata{
		Address:  addr,
		Symbol:   strings.TrimSpace(symbol),
		Name:     strings.TrimSpace(name),
		Decimals: decimals,
	}
	if minter != (common.Address{}) {
		meta.Minters = []common.Address{minter}
	}
	return l.st.RegisterToken(meta)
}

// AddMinter grants minting rights on token to minter.
func (l *Ledger) AddMinter(token, minter common.Address) error {
	meta, err := l.Metadata(token)
	if err != nil {
		return err
	}
	if meta.IsMinter(minter) {
		return nil
	}
	meta.Minters = append(meta.Minters, minter)
	return l.st.PutToken(meta)
}

// Metadata returns the metadata of token.
func (l *Ledger) Metadata(token common.Address) (*state.TokenMetadata, error) {
	meta, err := l.st.Token(token)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, cerrors.Wrap(cerrors.ErrNoContract, "token %s", token.Hex())
	}
	return meta, nil
}

// IsToken reports whether addr hosts a registered token.
func (l *Ledger) IsToken(addr common.Address) bool {
	meta, err := l.st.Token(addr)
	return err == nil && meta != nil
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(token, account common.Address) (*big.Int, error) {
	if _, err := l.Metadata(token); err != nil {
		return nil, err
	}
	return l.st.Balance(token, account)
}

// Mint issues amount of token to to. Only registered minters may mint.
func (l *Ledger) Mint(caller, token, to common.Address, amount *big.Int) error {
	meta, err := l.Metadata(token)
	if err != nil {
		return err
	}
	if !meta.IsMinter(caller) {
		return cerrors.Wrap(cerrors.ErrUnauthorized, "%s cannot mint %s", caller.Hex(), meta.Symbol)
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := l.st.AddBalance(token, to, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenMint{Token: token, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Burn destroys amount of token held by from.
func (l *Ledger) Burn(token, from common.Address, amount *big.Int) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := l.st.SubBalance(token, from, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenBurn{Token: token, From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves amount of token from from to to.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	return l.transfer(token, from, to, amount, nil)
}

// TransferAndCall moves amount and then invokes the recipient's
// OnTokenTransfer hook when one is registered. A failing hook fails the call.
func (l *Ledger) TransferAndCall(token, from, to common.Address, amount *big.Int, data []byte) error {
	if err := l.transfer(token, from, to, amount, data); err != nil {
		return err
	}
	if r := l.receiver(to); r != nil {
		if err := r.OnTokenTransfer(token, from, new(big.Int).Set(amount), data); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) transfer(token, from, to common.Address, amount *big.Int, data []byte) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "transfer to the zero address")
	}
	if err := l.st.SubBalance(token, from, amount); err != nil {
		return err
	}
	if err := l.st.AddBalance(token, to, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenTransfer{
		Token:  token,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		Data:   append([]byte(nil), data...),
	})
	return nil
}

// Handle executes ABI calldata sent by caller to the token contract at token.
func (l *Ledger) Handle(caller, token common.Address, calldata []byte) error {
	call, err := DecodeCall(calldata)
	if err != nil {
		return err
	}
	switch call.Method {
	case "transfer":
		return l.Transfer(token, caller, call.To, call.Amount)
	case "transferAndCall":
		return l.TransferAndCall(token, caller, call.To, call.Amount, call.Data)
	default:
		return cerrors.Wrap(cerrors.ErrUnknownMethod, "%s", call.Method)
	}
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "amount must be non-negative, got %v", amount)
	}
	return nil
}
