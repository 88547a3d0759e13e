package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/storage"
	"github.com/khengleng/mycard-pay-protocol/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return NewManager(tr)
}

func TestBalancesRequireRegisteredToken(t *testing.T) {
	mgr := newTestManager(t)
	token := common.HexToAddress("0x1000")
	holder := common.HexToAddress("0x2000")

	if err := mgr.SetBalance(token, holder, big.NewInt(5)); err == nil {
		t.Fatalf("expected unregistered token to be rejected")
	}
	if err := mgr.RegisterToken(&TokenMetadata{Address: token, Symbol: "DAI.CPXD", Name: "Dai", Decimals: 18}); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := mgr.RegisterToken(&TokenMetadata{Address: token, Symbol: "DAI.CPXD", Name: "Dai", Decimals: 18}); !errors.Is(err, cerrors.ErrDuplicateRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if err := mgr.AddBalance(token, holder, big.NewInt(5)); err != nil {
		t.Fatalf("add balance: %v", err)
	}
	if err := mgr.SubBalance(token, holder, big.NewInt(6)); !errors.Is(err, cerrors.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := mgr.SubBalance(token, holder, big.NewInt(5)); err != nil {
		t.Fatalf("sub balance: %v", err)
	}
	balance, err := mgr.Balance(token, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", balance)
	}
}

func TestRolesStaySortedAndRemovable(t *testing.T) {
	mgr := newTestManager(t)
	high := common.HexToAddress("0xff")
	low := common.HexToAddress("0x01")
	for _, addr := range []common.Address{high, low, high} {
		if err := mgr.SetRole("ROLE_TALLY", addr); err != nil {
			t.Fatalf("set role: %v", err)
		}
	}
	members, err := mgr.RoleMembers("ROLE_TALLY")
	if err != nil {
		t.Fatalf("role members: %v", err)
	}
	if len(members) != 2 || members[0] != low || members[1] != high {
		t.Fatalf("unexpected members: %v", members)
	}
	if err := mgr.RemoveRole("ROLE_TALLY", low); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	if mgr.HasRole("ROLE_TALLY", low) || !mgr.HasRole("ROLE_TALLY", high) {
		t.Fatalf("unexpected role membership after removal")
	}
}

func TestCheckpointRollbackDiscardsWrites(t *testing.T) {
	mgr := newTestManager(t)
	key := []byte("prepaid/test")
	if err := mgr.KVPut(key, uint64(1)); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	before := mgr.Hash()
	cp := mgr.Checkpoint()
	if err := mgr.KVPut(key, uint64(2)); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	if err := mgr.KVAppend([]byte("prepaid/list"), []byte{0x01}); err != nil {
		t.Fatalf("kv append: %v", err)
	}
	mgr.Rollback(cp)

	var got uint64
	if ok, err := mgr.KVGet(key, &got); err != nil || !ok {
		t.Fatalf("kv get: ok=%v err=%v", ok, err)
	}
	if got != 1 {
		t.Fatalf("expected rolled back value 1, got %d", got)
	}
	var list [][]byte
	if err := mgr.KVGetList([]byte("prepaid/list"), &list); err != nil {
		t.Fatalf("kv list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list after rollback, got %d entries", len(list))
	}
	if mgr.Hash() != before {
		t.Fatalf("state root changed after rollback")
	}
}

func TestPauseFlags(t *testing.T) {
	mgr := newTestManager(t)
	if mgr.IsPaused("prepaid") {
		t.Fatalf("module should start unpaused")
	}
	if err := mgr.SetPaused("prepaid", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !mgr.IsPaused("prepaid") || mgr.IsPaused("revenue") {
		t.Fatalf("unexpected pause flags")
	}
	if err := mgr.SetPaused("prepaid", false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if mgr.IsPaused("prepaid") {
		t.Fatalf("module should be resumed")
	}
}

func TestStateVersionMismatch(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.EnsureStateVersion(); err != nil {
		t.Fatalf("fresh state should pass: %v", err)
	}
	if err := mgr.SetStateVersion(StateVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := mgr.EnsureStateVersion(); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}
