// Package oracle hosts the price feeds and the adapters that normalise them
// into USD, ETH and DAI prices for a token.
package oracle

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/state"
	nativecommon "github.com/khengleng/mycard-pay-protocol/native/common"
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	HasRole(role string, addr common.Address) bool
	IsPaused(module string) bool
}

// Engine stores feeds, DIA sources and adapters and serves price reads.
type Engine struct {
	st      engineState
	emitter events.Emitter
	onSnap  func(adapter common.Address)
}

// NewEngine creates an engine backed by st.
func NewEngine(st engineState) *Engine {
	return &Engine{st: st, emitter: events.NoopEmitter{}}
}

// SetState swaps the state backend.
func (e *Engine) SetState(st engineState) { e.st = st }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetSnapObserver registers a callback invoked whenever a USD price read is
// snapped to the peg.
func (e *Engine) SetSnapObserver(fn func(adapter common.Address)) { e.onSnap = fn }

func (e *Engine) requireAdmin(caller common.Address) error {
	if err := nativecommon.Guard(e.st, nativecommon.ModuleOracle); err != nil {
		return err
	}
	return nativecommon.NewAuthorizer(e.st, RoleOracleAdmin).Require(caller)
}

func requireOwner(owner, caller common.Address) error {
	if owner != caller {
		return cerrors.Wrap(cerrors.ErrUnauthorized, "caller is not the owner")
	}
	return nil
}

// CreateFeed deploys a manual feed at addr owned by caller.
func (e *Engine) CreateFeed(caller, addr common.Address, description string, decimals uint8) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "feed address must not be zero")
	}
	if ok, err := e.st.KVGet(state.OracleFeedKey(addr), nil); err != nil {
		return err
	} else if ok {
		return cerrors.Wrap(cerrors.ErrDuplicateRegistered, "feed %s", addr.Hex())
	}
	feed := &Feed{Address: addr, Owner: caller, Description: strings.TrimSpace(description), Decimals: decimals}
	return e.st.KVPut(state.OracleFeedKey(addr), feed)
}

// Feed loads the feed at addr.
func (e *Engine) Feed(addr common.Address) (*Feed, error) {
	if addr == (common.Address{}) {
		return nil, cerrors.ErrFeedNotConfigured
	}
	feed := new(Feed)
	ok, err := e.st.KVGet(state.OracleFeedKey(addr), feed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrFeedNotConfigured, "no feed at %s", addr.Hex())
	}
	return feed, nil
}

// AddRound publishes a new answer on a manual feed.
func (e *Engine) AddRound(caller, addr common.Address, answer *big.Int, startedAt, updatedAt uint64) error {
	feed, err := e.Feed(addr)
	if err != nil {
		return err
	}
	if err := requireOwner(feed.Owner, caller); err != nil {
		return err
	}
	if answer == nil || answer.Sign() < 0 {
		return cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "answer must be non-negative")
	}
	feed.LatestRound++
	round := &Round{
		RoundID:         feed.LatestRound,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       startedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: feed.LatestRound,
	}
	if err := e.st.KVPut(state.OracleFeedRoundKey(addr, round.RoundID), round); err != nil {
		return err
	}
	if err := e.st.KVPut(state.OracleFeedKey(addr), feed); err != nil {
		return err
	}
	e.emitter.Emit(events.OracleRoundAdded{Feed: addr, RoundID: round.RoundID, Answer: round.Answer, UpdatedAt: updatedAt})
	return nil
}

// LatestRoundData returns the most recent round of the feed.
func (e *Engine) LatestRoundData(addr common.Address) (*Round, error) {
	feed, err := e.Feed(addr)
	if err != nil {
		return nil, err
	}
	return e.roundData(feed, feed.LatestRound)
}

// GetRoundData returns a specific round of the feed.
func (e *Engine) GetRoundData(addr common.Address, roundID uint64) (*Round, error) {
	feed, err := e.Feed(addr)
	if err != nil {
		return nil, err
	}
	return e.roundData(feed, roundID)
}

func (e *Engine) roundData(feed *Feed, roundID uint64) (*Round, error) {
	if roundID == 0 || roundID > feed.LatestRound {
		return nil, cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "no data present for round %d of %s", roundID, feed.Address.Hex())
	}
	round := new(Round)
	ok, err := e.st.KVGet(state.OracleFeedRoundKey(feed.Address, roundID), round)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "round %d of %s missing", roundID, feed.Address.Hex())
	}
	return round, nil
}

// CreateDIASource deploys a DIA-style key/value oracle owned by caller.
func (e *Engine) CreateDIASource(caller, addr common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "DIA oracle address must not be zero")
	}
	if ok, err := e.st.KVGet(state.OracleDIAKey(addr), nil); err != nil {
		return err
	} else if ok {
		return cerrors.Wrap(cerrors.ErrDuplicateRegistered, "DIA oracle %s", addr.Hex())
	}
	return e.st.KVPut(state.OracleDIAKey(addr), &DIASource{Address: addr, Owner: caller})
}

func (e *Engine) diaSource(addr common.Address) (*DIASource, error) {
	if addr == (common.Address{}) {
		return nil, cerrors.ErrOracleNotConfigured
	}
	src := new(DIASource)
	ok, err := e.st.KVGet(state.OracleDIAKey(addr), src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrOracleNotConfigured, "no DIA oracle at %s", addr.Hex())
	}
	return src, nil
}

// SetDIAValue stores a quote such as "CARD/USD" on a DIA source.
func (e *Engine) SetDIAValue(caller, addr common.Address, key string, value *big.Int, timestamp uint64) error {
	src, err := e.diaSource(addr)
	if err != nil {
		return err
	}
	if err := requireOwner(src.Owner, caller); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "value must be non-negative")
	}
	return e.st.KVPut(state.OracleDIAValueKey(addr, key), &DIAValue{Value: new(big.Int).Set(value), Timestamp: timestamp})
}

// DIAValue returns the quote stored under key. Unknown keys read as zero.
func (e *Engine) DIAValue(addr common.Address, key string) (*big.Int, uint64, error) {
	if _, err := e.diaSource(addr); err != nil {
		return nil, 0, err
	}
	stored := new(DIAValue)
	ok, err := e.st.KVGet(state.OracleDIAValueKey(addr, key), stored)
	if err != nil {
		return nil, 0, err
	}
	if !ok || stored.Value == nil {
		return new(big.Int), 0, nil
	}
	return stored.Value, stored.Timestamp, nil
}

// CreateAdapter deploys an unconfigured adapter of the given kind owned by
// caller.
func (e *Engine) CreateAdapter(caller, addr common.Address, kind AdapterKind) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if kind != KindChainlink && kind != KindDIA {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "unknown adapter kind %q", kind)
	}
	if addr == (common.Address{}) {
		return cerrors.Wrap(cerrors.ErrInvalidAddress, "adapter address must not be zero")
	}
	if ok, err := e.st.KVGet(state.OracleAdapterKey(addr), nil); err != nil {
		return err
	} else if ok {
		return cerrors.Wrap(cerrors.ErrDuplicateRegistered, "adapter %s", addr.Hex())
	}
	return e.st.KVPut(state.OracleAdapterKey(addr), &Adapter{Address: addr, Owner: caller, Kind: string(kind)})
}

// Adapter loads the adapter record at addr.
func (e *Engine) Adapter(addr common.Address) (*Adapter, error) {
	adapter := new(Adapter)
	ok, err := e.st.KVGet(state.OracleAdapterKey(addr), adapter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrNoContract, "no oracle at %s", addr.Hex())
	}
	return adapter, nil
}

// SetupChainlink configures a chainlink adapter. Only the adapter owner may
// call it; the three feeds must exist and the TOKEN/USD and DAI/USD feeds must
// share their decimals. The ETH/USD feed may use any precision.
func (e *Engine) SetupChainlink(caller, addr common.Address, cfg ChainlinkConfig) error {
	adapter, err := e.Adapter(addr)
	if err != nil {
		return err
	}
	if err := requireOwner(adapter.Owner, caller); err != nil {
		return err
	}
	if adapter.Kind != string(KindChainlink) {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "adapter %s is %s", addr.Hex(), adapter.Kind)
	}
	tokenFeed, err := e.Feed(cfg.TokenUSDFeed)
	if err != nil {
		return err
	}
	daiFeed, err := e.Feed(cfg.DAIUSDFeed)
	if err != nil {
		return err
	}
	if _, err := e.Feed(cfg.ETHUSDFeed); err != nil {
		return err
	}
	if tokenFeed.Decimals != daiFeed.Decimals {
		return cerrors.Wrap(cerrors.ErrDecimalMismatch, "token=%d dai=%d", tokenFeed.Decimals, daiFeed.Decimals)
	}
	threshold := new(big.Int)
	if cfg.SnapThreshold != nil {
		if cfg.SnapThreshold.Sign() < 0 {
			return cerrors.Wrap(cerrors.ErrInvalidAmount, "snap threshold must be non-negative")
		}
		threshold.Set(cfg.SnapThreshold)
	}
	cfg.SnapThreshold = threshold
	adapter.Chainlink = cfg
	adapter.Configured = true
	if err := e.st.KVPut(state.OracleAdapterKey(addr), adapter); err != nil {
		return err
	}
	e.emitter.Emit(events.OracleConfigured{
		Oracle:       addr,
		Kind:         adapter.Kind,
		Description:  tokenFeed.Description,
		Decimals:     tokenFeed.Decimals,
		CanSnapToUSD: cfg.CanSnapToUSD,
	})
	return nil
}

// SetupDIA configures a DIA adapter. Only the adapter owner may call it.
func (e *Engine) SetupDIA(caller, addr common.Address, cfg DIAConfig) error {
	adapter, err := e.Adapter(addr)
	if err != nil {
		return err
	}
	if err := requireOwner(adapter.Owner, caller); err != nil {
		return err
	}
	if adapter.Kind != string(KindDIA) {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "adapter %s is %s", addr.Hex(), adapter.Kind)
	}
	if _, err := e.diaSource(cfg.Oracle); err != nil {
		return err
	}
	cfg.Symbol = strings.TrimSpace(cfg.Symbol)
	if cfg.Symbol == "" {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "DIA symbol must not be empty")
	}
	daiFeed, err := e.Feed(cfg.DAIUSDFeed)
	if err != nil {
		return err
	}
	if daiFeed.Decimals != diaDecimals {
		return cerrors.Wrap(cerrors.ErrDecimalMismatch, "dai=%d dia=%d", daiFeed.Decimals, diaDecimals)
	}
	adapter.DIA = cfg
	adapter.Configured = true
	if err := e.st.KVPut(state.OracleAdapterKey(addr), adapter); err != nil {
		return err
	}
	e.emitter.Emit(events.OracleConfigured{
		Oracle:      addr,
		Kind:        adapter.Kind,
		Description: cfg.Symbol,
		Decimals:    diaDecimals,
	})
	return nil
}

// Oracle returns a read view over the adapter at addr.
func (e *Engine) Oracle(addr common.Address) (PriceOracle, error) {
	adapter, err := e.Adapter(addr)
	if err != nil {
		return nil, err
	}
	switch AdapterKind(adapter.Kind) {
	case KindChainlink:
		return &ChainlinkOracle{engine: e, adapter: adapter}, nil
	case KindDIA:
		return &DIAOracle{engine: e, adapter: adapter}, nil
	default:
		return nil, cerrors.Wrap(cerrors.ErrNotConfigured, "adapter %s has unknown kind %q", addr.Hex(), adapter.Kind)
	}
}
