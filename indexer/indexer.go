// Package indexer mirrors committed protocol events into a SQL database so the
// API can answer history queries the state trie cannot.
package indexer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/khengleng/mycard-pay-protocol/core/events"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("indexer: not found")

// Indexer persists events. It implements events.Emitter and is meant to be
// subscribed to the chain, which only delivers committed events.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database at dsn and migrates the schema. postgres:// and
// postgresql:// URLs select PostgreSQL; anything else is a SQLite path or URI.
// Use "file::memory:?cache=shared" for an ephemeral index.
func Open(dsn string, log *slog.Logger) (*Indexer, error) {
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", dsn, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, logger: log.With(slog.String("component", "indexer")), now: time.Now}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	lowered := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// DB exposes the underlying handle.
func (ix *Indexer) DB() *gorm.DB { return ix.db }

// Close releases the database connection.
func (ix *Indexer) Close() error {
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit records evt. Failures are logged rather than returned because the
// transition that produced the event has already committed.
func (ix *Indexer) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := ix.record(evt); err != nil {
		ix.logger.Error("index event", slog.String("type", evt.EventType()), slog.String("error", err.Error()))
	}
}

func (ix *Indexer) record(evt events.Event) error {
	now := ix.now()
	switch e := evt.(type) {
	case events.PrepaidCardCreated:
		return ix.db.Create(&Card{
			ID:        uuid.New(),
			Address:   hexAddr(e.Card),
			Issuer:    hexAddr(e.Issuer),
			Owner:     hexAddr(e.Issuer),
			Token:     hexAddr(e.Token),
			FaceValue: amount(e.Amount),
			Spend:     amount(e.Spend),
			Source:    optionalAddr(e.Source),
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	case events.PrepaidCardSold:
		if err := ix.db.Model(&Card{}).
			Where("address = ?", hexAddr(e.Card)).
			Updates(map[string]any{"owner": hexAddr(e.To), "updated_at": now}).Error; err != nil {
			return err
		}
		return ix.recordRelay(e.Card, "sell", e.Relayer, e.Nonce, now)
	case events.PrepaidCardSplit:
		return ix.recordRelay(e.Card, "split", e.Relayer, e.Nonce, now)
	case events.PrepaidCardPaid:
		return ix.recordRelay(e.Card, "pay", e.Relayer, e.Nonce, now)
	case events.MerchantRegistered:
		return ix.db.Create(&Merchant{
			ID:         uuid.New(),
			Wallet:     hexAddr(e.Merchant),
			Owner:      hexAddr(e.Owner),
			OffChainID: e.OffChainID,
			CreatedAt:  now,
		}).Error
	case events.CustomerPayment:
		return ix.db.Create(&Payment{
			ID:        uuid.New(),
			Card:      hexAddr(e.Card),
			Merchant:  hexAddr(e.Merchant),
			Token:     hexAddr(e.Token),
			Amount:    amount(e.Amount),
			Fee:       amount(e.Fee),
			Spend:     amount(e.Spend),
			CreatedAt: now,
		}).Error
	case events.TokenTransfer:
		return ix.db.Create(&Transfer{
			ID:        uuid.New(),
			Token:     hexAddr(e.Token),
			From:      hexAddr(e.From),
			To:        hexAddr(e.To),
			Amount:    amount(e.Amount),
			CreatedAt: now,
		}).Error
	}
	return nil
}

func (ix *Indexer) recordRelay(card common.Address, action string, relayer common.Address, nonce uint64, now time.Time) error {
	return ix.db.Create(&Relay{
		ID:        uuid.New(),
		Card:      hexAddr(card),
		Action:    action,
		Relayer:   optionalAddr(relayer),
		Nonce:     nonce,
		CreatedAt: now,
	}).Error
}

// RelaysOfCard lists the signed actions executed on card, in nonce order.
func (ix *Indexer) RelaysOfCard(card common.Address) ([]Relay, error) {
	var relays []Relay
	err := ix.db.Where("card = ?", hexAddr(card)).Order("nonce asc").Find(&relays).Error
	return relays, err
}

// CardsByIssuer lists the cards issued to issuer, oldest first.
func (ix *Indexer) CardsByIssuer(issuer common.Address) ([]Card, error) {
	var cards []Card
	err := ix.db.Where("issuer = ?", hexAddr(issuer)).Order("created_at asc, id asc").Find(&cards).Error
	return cards, err
}

// CardsByOwner lists the cards currently held by owner.
func (ix *Indexer) CardsByOwner(owner common.Address) ([]Card, error) {
	var cards []Card
	err := ix.db.Where("owner = ?", hexAddr(owner)).Order("created_at asc, id asc").Find(&cards).Error
	return cards, err
}

// Card looks up one card by address.
func (ix *Indexer) Card(addr common.Address) (*Card, error) {
	var card Card
	err := ix.db.Where("address = ?", hexAddr(addr)).First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// PaymentsByMerchant lists payments received by merchant, newest first.
func (ix *Indexer) PaymentsByMerchant(merchant common.Address, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var payments []Payment
	err := ix.db.Where("merchant = ?", hexAddr(merchant)).Order("created_at desc").Limit(limit).Find(&payments).Error
	return payments, err
}

// TransfersOf lists transfers touching account, newest first.
func (ix *Indexer) TransfersOf(account common.Address, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	addr := hexAddr(account)
	var transfers []Transfer
	err := ix.db.Where(`"from" = ? OR "to" = ?`, addr, addr).Order("created_at desc").Limit(limit).Find(&transfers).Error
	return transfers, err
}

func hexAddr(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func optionalAddr(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return hexAddr(addr)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
