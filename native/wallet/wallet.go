// Package wallet implements the threshold multisig wallets that hold prepaid
// card and merchant balances. Owners authorise each transaction either with
// an ECDSA signature over the transaction digest or by pre-approval, and each
// executed transaction consumes exactly one nonce.
package wallet

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/core/types"
	"github.com/khengleng/mycard-pay-protocol/crypto"
)

// Wallet is the persisted record of a multisig wallet.
type Wallet struct {
	Address   common.Address
	Owners    []common.Address
	Threshold uint64
	Nonce     uint64
}

// IsOwner reports whether addr is one of the owners.
func (w *Wallet) IsOwner(addr common.Address) bool {
	for _, owner := range w.Owners {
		if owner == addr {
			return true
		}
	}
	return false
}

// Dispatcher executes calls a wallet makes to other contracts.
type Dispatcher interface {
	Call(from, to common.Address, data []byte) error
}

type walletState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Factory deploys and operates wallets. The factory's own address seeds the
// deterministic wallet addresses.
type Factory struct {
	address    common.Address
	chainID    uint64
	st         walletState
	emitter    events.Emitter
	dispatcher Dispatcher
}

// NewFactory returns a factory deployed at address.
func NewFactory(address common.Address, chainID uint64, st walletState) *Factory {
	return &Factory{address: address, chainID: chainID, st: st, emitter: events.NoopEmitter{}}
}

// Address returns the factory address.
func (f *Factory) Address() common.Address { return f.address }

// SetState swaps the state backend.
func (f *Factory) SetState(st walletState) { f.st = st }

// SetDispatcher configures the component that executes outgoing calls.
func (f *Factory) SetDispatcher(d Dispatcher) { f.dispatcher = d }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// Create deploys a wallet owned by owners requiring threshold approvals.
func (f *Factory) Create(owners []common.Address, threshold uint64) (common.Address, error) {
	if err := validateOwners(owners, threshold); err != nil {
		return common.Address{}, err
	}
	var seq uint64
	if _, err := f.st.KVGet(state.WalletFactoryCounterKey(f.address), &seq); err != nil {
		return common.Address{}, err
	}
	addr := ethcrypto.CreateAddress(f.address, seq)
	if f.Exists(addr) {
		return common.Address{}, fmt.Errorf("wallet: address collision at %s", addr.Hex())
	}
	if err := f.st.KVPut(state.WalletFactoryCounterKey(f.address), seq+1); err != nil {
		return common.Address{}, err
	}
	w := &Wallet{
		Address:   addr,
		Owners:    append([]common.Address(nil), owners...),
		Threshold: threshold,
	}
	if err := f.put(w); err != nil {
		return common.Address{}, err
	}
	f.emitter.Emit(events.WalletCreated{
		Factory:   f.address,
		Wallet:    addr,
		Owners:    append([]common.Address(nil), owners...),
		Threshold: threshold,
	})
	return addr, nil
}

func validateOwners(owners []common.Address, threshold uint64) error {
	if len(owners) == 0 {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "wallet requires at least one owner")
	}
	if threshold == 0 || threshold > uint64(len(owners)) {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "threshold %d out of range for %d owners", threshold, len(owners))
	}
	seen := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		if owner == (common.Address{}) {
			return cerrors.Wrap(cerrors.ErrInvalidAddress, "wallet owner must not be zero")
		}
		if _, dup := seen[owner]; dup {
			return cerrors.Wrap(cerrors.ErrDuplicateRegistered, "owner %s listed twice", owner.Hex())
		}
		seen[owner] = struct{}{}
	}
	return nil
}

// Exists reports whether a wallet lives at addr.
func (f *Factory) Exists(addr common.Address) bool {
	ok, err := f.st.KVGet(state.WalletKey(addr), nil)
	return err == nil && ok
}

// Get loads the wallet at addr.
func (f *Factory) Get(addr common.Address) (*Wallet, error) {
	w := new(Wallet)
	ok, err := f.st.KVGet(state.WalletKey(addr), w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrNoContract, "wallet %s", addr.Hex())
	}
	return w, nil
}

func (f *Factory) put(w *Wallet) error {
	return f.st.KVPut(state.WalletKey(w.Address), w)
}

// Open returns a handle on the wallet at addr.
func (f *Factory) Open(addr common.Address) (*Handle, error) {
	if _, err := f.Get(addr); err != nil {
		return nil, err
	}
	return &Handle{factory: f, address: addr}, nil
}

// TxHash returns the digest owners authorise for tx on wallet at nonce.
func (f *Factory) TxHash(wallet common.Address, tx *types.Transaction, nonce uint64) common.Hash {
	return tx.Hash(f.chainID, wallet, nonce)
}

// ApproveHash records owner's approval of hash on wallet, which later
// satisfies a pre-approved signature slot naming owner.
func (f *Factory) ApproveHash(wallet, owner common.Address, hash common.Hash) error {
	w, err := f.Get(wallet)
	if err != nil {
		return err
	}
	if !w.IsOwner(owner) {
		return cerrors.Wrap(cerrors.ErrUnauthorized, "%s is not an owner of %s", owner.Hex(), wallet.Hex())
	}
	if err := f.st.KVPut(state.WalletApprovedHashKey(wallet, owner, hash), true); err != nil {
		return err
	}
	f.emitter.Emit(events.WalletHashApproved{Wallet: wallet, Owner: owner, Hash: hash})
	return nil
}

func (f *Factory) approved(wallet, owner common.Address, hash common.Hash) bool {
	var ok bool
	found, err := f.st.KVGet(state.WalletApprovedHashKey(wallet, owner, hash), &ok)
	return err == nil && found && ok
}

// Execute authorises tx against the wallet's current nonce and runs it.
// Signatures must cover at least the threshold and name distinct owners in
// ascending address order. The nonce advances once per executed transaction.
func (f *Factory) Execute(wallet, caller common.Address, tx *types.Transaction, signatures []byte) error {
	if tx == nil {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "nil transaction")
	}
	if tx.Value != nil && tx.Value.Sign() != 0 {
		return cerrors.Wrap(cerrors.ErrInvalidAmount, "wallets do not carry native value")
	}
	w, err := f.Get(wallet)
	if err != nil {
		return err
	}
	hash := f.TxHash(wallet, tx, w.Nonce)
	if err := f.checkSignatures(w, caller, hash, signatures); err != nil {
		return err
	}
	w.Nonce++
	if err := f.put(w); err != nil {
		return err
	}
	if tx.To == wallet {
		if err := f.selfCall(wallet, tx.Data); err != nil {
			return err
		}
	} else {
		if f.dispatcher == nil {
			return cerrors.Wrap(cerrors.ErrNotConfigured, "wallet dispatcher")
		}
		if err := f.dispatcher.Call(wallet, tx.To, tx.Data); err != nil {
			return err
		}
	}
	f.emitter.Emit(events.WalletExecuted{Wallet: wallet, TxHash: hash, Nonce: w.Nonce - 1})
	return nil
}

func (f *Factory) checkSignatures(w *Wallet, caller common.Address, hash common.Hash, signatures []byte) error {
	sigs, err := crypto.DecodeSignatures(signatures)
	if err != nil {
		return err
	}
	if uint64(len(sigs)) < w.Threshold {
		return cerrors.Wrap(cerrors.ErrThresholdNotMet, "%d of %d", len(sigs), w.Threshold)
	}
	var last common.Address
	for i := uint64(0); i < w.Threshold; i++ {
		sig := sigs[i]
		signer, err := sig.Signer(hash)
		if err != nil {
			return err
		}
		if sig.Kind == crypto.SignaturePreApproved && signer != caller && !f.approved(w.Address, signer, hash) {
			return cerrors.Wrap(cerrors.ErrSignatureRejected, "%s has not approved %s", signer.Hex(), hash.Hex())
		}
		if !w.IsOwner(signer) {
			return cerrors.Wrap(cerrors.ErrSignatureRejected, "%s is not an owner", signer.Hex())
		}
		if bytes.Compare(signer.Bytes(), last.Bytes()) <= 0 {
			return cerrors.Wrap(cerrors.ErrSignatureRejected, "signers must be unique and ascending")
		}
		last = signer
	}
	return nil
}

func (f *Factory) selfCall(wallet common.Address, data []byte) error {
	call, err := decodeSelfCall(data)
	if err != nil {
		return err
	}
	w, err := f.Get(wallet)
	if err != nil {
		return err
	}
	switch call.method {
	case "swapOwner":
		oldOwner, err := call.address(0)
		if err != nil {
			return err
		}
		newOwner, err := call.address(1)
		if err != nil {
			return err
		}
		if !w.IsOwner(oldOwner) {
			return cerrors.Wrap(cerrors.ErrInvalidAddress, "%s is not an owner", oldOwner.Hex())
		}
		if newOwner == (common.Address{}) || w.IsOwner(newOwner) {
			return cerrors.Wrap(cerrors.ErrInvalidAddress, "invalid new owner %s", newOwner.Hex())
		}
		for i, owner := range w.Owners {
			if owner == oldOwner {
				w.Owners[i] = newOwner
			}
		}
		if err := f.put(w); err != nil {
			return err
		}
		f.emitter.Emit(events.WalletOwnerSwapped{Wallet: wallet, OldOwner: oldOwner, NewOwner: newOwner})
		return nil
	case "addOwnerWithThreshold":
		owner, err := call.address(0)
		if err != nil {
			return err
		}
		threshold, err := call.uint(1)
		if err != nil {
			return err
		}
		owners := append(append([]common.Address(nil), w.Owners...), owner)
		if err := validateOwners(owners, threshold); err != nil {
			return err
		}
		w.Owners = owners
		w.Threshold = threshold
		if err := f.put(w); err != nil {
			return err
		}
		f.emitter.Emit(events.WalletOwnerAdded{Wallet: wallet, Owner: owner, Threshold: threshold})
		return nil
	case "changeThreshold":
		threshold, err := call.uint(0)
		if err != nil {
			return err
		}
		if err := validateOwners(w.Owners, threshold); err != nil {
			return err
		}
		w.Threshold = threshold
		return f.put(w)
	default:
		return cerrors.Wrap(cerrors.ErrUnknownMethod, "%s", call.method)
	}
}

// Handle binds a factory to a single wallet.
type Handle struct {
	factory *Factory
	address common.Address
}

// Address returns the wallet address.
func (h *Handle) Address() common.Address { return h.address }

// Nonce returns the nonce the next transaction must be signed for.
func (h *Handle) Nonce() (uint64, error) {
	w, err := h.factory.Get(h.address)
	if err != nil {
		return 0, err
	}
	return w.Nonce, nil
}

// Owners returns the current owners.
func (h *Handle) Owners() ([]common.Address, error) {
	w, err := h.factory.Get(h.address)
	if err != nil {
		return nil, err
	}
	return w.Owners, nil
}

// Threshold returns the number of approvals required.
func (h *Handle) Threshold() (uint64, error) {
	w, err := h.factory.Get(h.address)
	if err != nil {
		return 0, err
	}
	return w.Threshold, nil
}

// IsOwner reports whether addr currently owns the wallet.
func (h *Handle) IsOwner(addr common.Address) bool {
	w, err := h.factory.Get(h.address)
	return err == nil && w.IsOwner(addr)
}

// TxHash returns the digest for tx at nonce.
func (h *Handle) TxHash(tx *types.Transaction, nonce uint64) common.Hash {
	return h.factory.TxHash(h.address, tx, nonce)
}

// Execute runs tx on behalf of the wallet.
func (h *Handle) Execute(caller common.Address, tx *types.Transaction, signatures []byte) error {
	return h.factory.Execute(h.address, caller, tx, signatures)
}

// NewTransaction builds a zero-value call to to.
func NewTransaction(to common.Address, data []byte) *types.Transaction {
	return &types.Transaction{To: to, Value: new(big.Int), Data: data}
}
