package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
	"github.com/khengleng/mycard-pay-protocol/native/revenue"
	"github.com/khengleng/mycard-pay-protocol/native/token"
	"github.com/khengleng/mycard-pay-protocol/native/wallet"
	"github.com/khengleng/mycard-pay-protocol/observability"
	cardotel "github.com/khengleng/mycard-pay-protocol/observability/otel"
	"github.com/khengleng/mycard-pay-protocol/storage"
	"github.com/khengleng/mycard-pay-protocol/storage/trie"
)

var headKey = []byte("cardpay/head")

// Addresses fixes where the protocol contracts live.
type Addresses struct {
	Manager       common.Address
	RevenuePool   common.Address
	WalletFactory common.Address
}

// Chain wires the protocol engines over one state trie and serialises every
// state transition through Apply.
type Chain struct {
	mu      sync.Mutex
	db      storage.Database
	chainID uint64
	addrs   Addresses
	height  uint64

	state   *state.Manager
	ledger  *token.Ledger
	wallets *wallet.Factory
	oracles *oracle.Engine
	pool    *revenue.Pool
	manager *prepaid.Manager

	buffer      *events.Buffer
	subscribers []events.Emitter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option customises a Chain.
type Option func(*Chain)

// WithLogger routes transition logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSubscriber registers an emitter that receives the events of every
// committed transition, in order.
func WithSubscriber(sub events.Emitter) Option {
	return func(c *Chain) {
		if sub != nil {
			c.subscribers = append(c.subscribers, sub)
		}
	}
}

// NewChain opens the chain stored in db, resuming from the last committed
// root when there is one.
func NewChain(db storage.Database, chainID uint64, addrs Addresses, opts ...Option) (*Chain, error) {
	var root []byte
	height := uint64(0)
	if head, err := db.Get(headKey); err == nil && len(head) == 8+common.HashLength {
		height = binary.BigEndian.Uint64(head[:8])
		root = head[8:]
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("open state trie: %w", err)
	}
	st := state.NewManager(tr)
	if err := st.EnsureStateVersion(); err != nil {
		return nil, err
	}

	c := &Chain{
		db:      db,
		chainID: chainID,
		addrs:   addrs,
		height:  height,
		state:   st,
		buffer:  &events.Buffer{},
		logger:  slog.Default(),
		tracer:  cardotel.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ledger = token.NewLedger(st)
	c.wallets = wallet.NewFactory(addrs.WalletFactory, chainID, st)
	c.oracles = oracle.NewEngine(st)
	c.pool = revenue.NewPool(addrs.RevenuePool, st, c.ledger, c.wallets, c.oracles)
	c.manager = prepaid.NewManager(addrs.Manager, st, c.ledger, cardWallets{c.wallets}, c.pool)

	c.wallets.SetDispatcher(c)
	c.ledger.RegisterReceiver(addrs.Manager, c.manager)
	c.ledger.RegisterReceiver(addrs.RevenuePool, c.pool)
	c.oracles.SetSnapObserver(func(adapter common.Address) {
		observability.Events().RecordSnap(adapter.Hex())
	})

	c.ledger.SetEmitter(c.buffer)
	c.wallets.SetEmitter(c.buffer)
	c.oracles.SetEmitter(c.buffer)
	c.pool.SetEmitter(c.buffer)
	c.manager.SetEmitter(c.buffer)
	return c, nil
}

// cardWallets exposes the factory through the interface the card manager
// depends on.
type cardWallets struct{ *wallet.Factory }

func (w cardWallets) Wallet(addr common.Address) (prepaid.WalletHandle, error) {
	h, err := w.Open(addr)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Call dispatches a wallet transaction to the contract at to.
func (c *Chain) Call(from, to common.Address, data []byte) error {
	switch {
	case c.ledger.IsToken(to):
		return c.ledger.Handle(from, to, data)
	case to == c.addrs.RevenuePool:
		return c.pool.Handle(from, data)
	default:
		return cerrors.Wrap(cerrors.ErrNoContract, "%s", to.Hex())
	}
}

// Apply runs fn as one atomic state transition. State mutations and events of
// a failing fn are discarded; events of a successful one are delivered to the
// subscribers before Apply returns.
func (c *Chain) Apply(ctx context.Context, name string, fn func() error) error {
	_, span := c.tracer.Start(ctx, "chain."+name)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	cp := c.state.Checkpoint()
	c.buffer.Reset()
	if err := fn(); err != nil {
		c.state.Rollback(cp)
		c.buffer.Reset()
		kind := string(cerrors.KindOf(err))
		if kind == "" {
			kind = "internal"
		}
		observability.Chain().ObserveTransition(name, kind, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, cerrors.Reason(err))
		c.logger.Warn("transition rejected",
			slog.String("transition", name),
			slog.String("kind", kind),
			slog.String("reason", cerrors.Reason(err)),
			slog.String("error", err.Error()))
		return err
	}
	emitted := c.buffer.Drain()
	for _, sub := range c.subscribers {
		for _, evt := range emitted {
			sub.Emit(evt)
		}
	}
	observability.Chain().ObserveTransition(name, "", time.Since(start))
	span.SetAttributes(attribute.Int("cardpay.events", len(emitted)))
	c.logger.Info("transition committed",
		slog.String("transition", name),
		slog.Int("events", len(emitted)))
	return nil
}

// View runs fn against the current state without allowing it to race a
// transition.
func (c *Chain) View(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Commit persists the state and records it as the new head.
func (c *Chain) Commit() (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.height + 1
	root, err := c.state.Commit(next)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	head := make([]byte, 8, 8+common.HashLength)
	binary.BigEndian.PutUint64(head, next)
	head = append(head, root.Bytes()...)
	if err := c.db.Put(headKey, head); err != nil {
		return common.Hash{}, fmt.Errorf("store head: %w", err)
	}
	c.height = next
	observability.Chain().SetHeight(next)
	c.logger.Info("state committed", slog.Uint64("height", next), slog.String("root", root.Hex()))
	return root, nil
}

// Height returns the last committed height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// StateRoot returns the root including uncommitted transitions.
func (c *Chain) StateRoot() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Hash()
}

func (c *Chain) ChainID() uint64 { return c.chainID }
func (c *Chain) Addresses() Addresses { return c.addrs }
func (c *Chain) State() *state.Manager { return c.state }
func (c *Chain) Ledger() *token.Ledger { return c.ledger }
func (c *Chain) Wallets() *wallet.Factory { return c.wallets }
func (c *Chain) Oracles() *oracle.Engine { return c.oracles }
func (c *Chain) Pool() *revenue.Pool { return c.pool }
func (c *Chain) Manager() *prepaid.Manager { return c.manager }
