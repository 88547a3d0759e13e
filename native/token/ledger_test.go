package token_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/native/token"
	"github.com/khengleng/mycard-pay-protocol/storage"
	statetrie "github.com/khengleng/mycard-pay-protocol/storage/trie"
)

var (
	daiAddr = common.HexToAddress("0x00000000000000000000000000000000000d41")
	minter  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(e events.Event) {
	c.events = append(c.events, e)
}

type recordingReceiver struct {
	calls []string
	err   error
}

func (r *recordingReceiver) OnTokenTransfer(tok, from common.Address, amount *big.Int, data []byte) error {
	r.calls = append(r.calls, from.Hex()+":"+amount.String()+":"+string(data))
	return r.err
}

func newTestLedger(t *testing.T) (*token.Ledger, *state.Manager) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := statetrie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("create trie: %v", err)
	}
	manager := state.NewManager(tr)
	ledger := token.NewLedger(manager)
	if err := ledger.RegisterToken(daiAddr, "DAI.CPXD", "Dai Stablecoin (CPXD)", 18, minter); err != nil {
		t.Fatalf("register token: %v", err)
	}
	return ledger, manager
}

func TestLedgerMintTransfer(t *testing.T) {
	ledger, _ := newTestLedger(t)
	emitter := &capturingEmitter{}
	ledger.SetEmitter(emitter)

	if err := ledger.Mint(alice, daiAddr, alice, big.NewInt(10)); !errors.Is(err, cerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %v", err)
	}
	if err := ledger.Mint(minter, daiAddr, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(daiAddr, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Transfer(daiAddr, alice, bob, big.NewInt(61)); !errors.Is(err, cerrors.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	aliceBal, _ := ledger.BalanceOf(daiAddr, alice)
	bobBal, _ := ledger.BalanceOf(daiAddr, bob)
	if aliceBal.Int64() != 60 || bobBal.Int64() != 40 {
		t.Fatalf("unexpected balances alice=%s bob=%s", aliceBal, bobBal)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected mint and transfer events, got %d", len(emitter.events))
	}
	if emitter.events[1].EventType() != events.TypeTokenTransfer {
		t.Fatalf("unexpected event %s", emitter.events[1].EventType())
	}
}

func TestLedgerTransferAndCallInvokesReceiver(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Mint(minter, daiAddr, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	recv := &recordingReceiver{}
	ledger.RegisterReceiver(bob, recv)

	calldata, err := token.PackTransferAndCall(bob, big.NewInt(25), []byte("hi"))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if !token.IsTransferAndCall(calldata) {
		t.Fatalf("expected transferAndCall selector")
	}
	if err := ledger.Handle(alice, daiAddr, calldata); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(recv.calls) != 1 || recv.calls[0] != alice.Hex()+":25:hi" {
		t.Fatalf("unexpected receiver calls %v", recv.calls)
	}

	recv.err = errors.New("rejected")
	if err := ledger.TransferAndCall(daiAddr, alice, bob, big.NewInt(1), nil); err == nil || err.Error() != "rejected" {
		t.Fatalf("expected receiver error to propagate, got %v", err)
	}
}

func TestLedgerHandleRejectsUnknownSelector(t *testing.T) {
	ledger, _ := newTestLedger(t)
	err := ledger.Handle(alice, daiAddr, []byte{0xde, 0xad, 0xbe, 0xef})
	if !errors.Is(err, cerrors.ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}
	if err := ledger.Transfer(common.HexToAddress("0x99"), alice, bob, big.NewInt(1)); !errors.Is(err, cerrors.ErrNoContract) {
		t.Fatalf("expected no contract, got %v", err)
	}
}

func TestDecodeTransfer(t *testing.T) {
	calldata, err := token.PackTransfer(bob, big.NewInt(7))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	call, err := token.DecodeCall(calldata)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if call.Method != "transfer" || call.To != bob || call.Amount.Int64() != 7 || call.Data != nil {
		t.Fatalf("unexpected call %+v", call)
	}
}
