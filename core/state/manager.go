package state

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/storage/trie"
)

// Manager reads and writes protocol state held in a Merkle trie. All values are
// RLP encoded and all keys keccak256 hashed before they reach the trie.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

// TokenMetadata describes a fungible token hosted by the ledger.
type TokenMetadata struct {
	Address  common.Address
	Symbol   string
	Name     string
	Decimals uint8
	Minters  []common.Address
}

// IsMinter reports whether addr may mint the token.
func (t *TokenMetadata) IsMinter(addr common.Address) bool {
	if t == nil {
		return false
	}
	for _, minter := range t.Minters {
		if minter == addr {
			return true
		}
	}
	return false
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
	rolePrefix    = []byte("role:")
)

func tokenMetadataKey(token common.Address) []byte {
	return ethcrypto.Keccak256(tokenPrefix, token.Bytes())
}

func balanceKey(token, account common.Address) []byte {
	return ethcrypto.Keccak256(balancePrefix, token.Bytes(), []byte{':'}, account.Bytes())
}

func roleKey(role string) []byte {
	return ethcrypto.Keccak256(rolePrefix, []byte(role))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) getRLP(key []byte, out interface{}) (bool, error) {
	data, err := m.trie.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(key, encoded)
}

func (m *Manager) loadTokenList() ([]common.Address, error) {
	var list []common.Address
	if _, err := m.getRLP(tokenListKey, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []common.Address{}
	}
	return list, nil
}

// RegisterToken stores the metadata for a token and records it in the token
// index.
func (m *Manager) RegisterToken(meta *TokenMetadata) error {
	if meta == nil {
		return fmt.Errorf("token metadata must not be nil")
	}
	if meta.Address == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "token address must not be zero")
	}
	symbol := strings.TrimSpace(meta.Symbol)
	if symbol == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if existing, err := m.Token(meta.Address); err != nil {
		return err
	} else if existing != nil {
		return cerrors.Wrap(cerrors.ErrDuplicateRegistered, "token %s already registered", meta.Address.Hex())
	}
	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, meta.Address)
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i][:], list[j][:]) < 0 })
	if err := m.putRLP(tokenListKey, list); err != nil {
		return err
	}
	stored := *meta
	stored.Symbol = symbol
	stored.Minters = append([]common.Address(nil), meta.Minters...)
	return m.putRLP(tokenMetadataKey(meta.Address), &stored)
}

// PutToken overwrites the metadata of an already registered token.
func (m *Manager) PutToken(meta *TokenMetadata) error {
	if meta == nil {
		return fmt.Errorf("token metadata must not be nil")
	}
	existing, err := m.Token(meta.Address)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("token %s not registered", meta.Address.Hex())
	}
	return m.putRLP(tokenMetadataKey(meta.Address), meta)
}

// Token retrieves metadata for a registered token, or nil when unknown.
func (m *Manager) Token(token common.Address) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.getRLP(tokenMetadataKey(token), meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return meta, nil
}

// TokenList returns all registered token addresses in ascending order.
func (m *Manager) TokenList() ([]common.Address, error) {
	return m.loadTokenList()
}

// Balance retrieves the balance of account for token.
func (m *Manager) Balance(token, account common.Address) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRLP(balanceKey(token, account), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetBalance stores the balance of account for token.
func (m *Manager) SetBalance(token, account common.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	if meta, err := m.Token(token); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", token.Hex())
	}
	key := balanceKey(token, account)
	if amount.Sign() == 0 {
		return m.trie.Delete(key)
	}
	return m.putRLP(key, amount)
}

// AddBalance credits amount to account.
func (m *Manager) AddBalance(token, account common.Address, amount *big.Int) error {
	current, err := m.Balance(token, account)
	if err != nil {
		return err
	}
	return m.SetBalance(token, account, current.Add(current, amount))
}

// SubBalance debits amount from account, failing when the balance is short.
func (m *Manager) SubBalance(token, account common.Address, amount *big.Int) error {
	current, err := m.Balance(token, account)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return cerrors.Wrap(cerrors.ErrInsufficientBalance, "%s holds %s, needs %s", account.Hex(), current, amount)
	}
	return m.SetBalance(token, account, current.Sub(current, amount))
}

// SetRole associates an address with the specified role. Duplicate
// assignments are ignored and the stored list stays sorted for determinism.
func (m *Manager) SetRole(role string, addr common.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if addr == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "role %s: address must not be zero", trimmed)
	}
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if existing == addr {
			return nil
		}
	}
	members = append(members, addr)
	sort.Slice(members, func(i, j int) bool { return bytes.Compare(members[i][:], members[j][:]) < 0 })
	return m.putRLP(roleKey(trimmed), members)
}

// RemoveRole drops addr from role. Removing a non-member is a no-op.
func (m *Manager) RemoveRole(role string, addr common.Address) error {
	trimmed := strings.TrimSpace(role)
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	kept := make([]common.Address, 0, len(members))
	for _, existing := range members {
		if existing != addr {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(members) {
		return nil
	}
	if len(kept) == 0 {
		return m.trie.Delete(roleKey(trimmed))
	}
	return m.putRLP(roleKey(trimmed), kept)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([]common.Address, error) {
	var members []common.Address
	if _, err := m.getRLP(roleKey(strings.TrimSpace(role)), &members); err != nil {
		return nil, err
	}
	if members == nil {
		members = []common.Address{}
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Read errors result in a false return.
func (m *Manager) HasRole(role string, addr common.Address) bool {
	members, err := m.RoleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member == addr {
			return true
		}
	}
	return false
}

// KVPut stores value under key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.putRLP(kvKey(key), value)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.getRLP(kvKey(key), out)
}

// KVDelete removes key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.trie.Delete(kvKey(key))
}

// KVAppend appends value to the byte-slice list stored under key. Duplicate
// values are ignored.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	var list [][]byte
	if _, err := m.getRLP(kvKey(key), &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.putRLP(kvKey(key), list)
}

// KVRemove deletes value from the byte-slice list stored under key.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	var list [][]byte
	if _, err := m.getRLP(kvKey(key), &list); err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return m.trie.Delete(kvKey(key))
	}
	return m.putRLP(kvKey(key), kept)
}

// KVGetList decodes the list stored under key into out, which must be a
// pointer to a slice. Missing keys yield an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	ok, err := m.getRLP(kvKey(key), out)
	if err != nil || ok {
		return err
	}
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	return nil
}

// Checkpoint captures the current state so a failed transition can be undone.
type Checkpoint struct {
	trie *trie.Trie
}

// Checkpoint snapshots the current state.
func (m *Manager) Checkpoint() *Checkpoint {
	return &Checkpoint{trie: m.trie.Copy()}
}

// Rollback restores the state captured by cp, discarding every mutation made
// after it was taken.
func (m *Manager) Rollback(cp *Checkpoint) {
	if cp == nil || cp.trie == nil {
		return
	}
	m.trie = cp.trie
}

// Hash returns the state root including uncommitted mutations.
func (m *Manager) Hash() common.Hash {
	return m.trie.Hash()
}

// Commit persists the state and returns the new root.
func (m *Manager) Commit(height uint64) (common.Hash, error) {
	return m.trie.Commit(m.trie.Root(), height)
}
