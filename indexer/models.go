package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Card is an issued prepaid card. Owner follows sales.
type Card struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address   string    `gorm:"size:42;uniqueIndex"`
	Issuer    string    `gorm:"size:42;index"`
	Owner     string    `gorm:"size:42;index"`
	Token     string    `gorm:"size:42"`
	FaceValue string    `gorm:"size:78"`
	Spend     string    `gorm:"size:78"`
	Source    string    `gorm:"size:42;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Merchant is a registered merchant wallet.
type Merchant struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Wallet     string    `gorm:"size:42;uniqueIndex"`
	Owner      string    `gorm:"size:42;index"`
	OffChainID string    `gorm:"size:128"`
	CreatedAt  time.Time
}

// Payment is a settled card payment.
type Payment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Card      string    `gorm:"size:42;index"`
	Merchant  string    `gorm:"size:42;index"`
	Token     string    `gorm:"size:42"`
	Amount    string    `gorm:"size:78"`
	Fee       string    `gorm:"size:78"`
	Spend     string    `gorm:"size:78"`
	CreatedAt time.Time
}

// Transfer is a token movement on the ledger.
type Transfer struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Token     string    `gorm:"size:42;index"`
	From      string    `gorm:"size:42;index"`
	To        string    `gorm:"size:42;index"`
	Amount    string    `gorm:"size:78"`
	CreatedAt time.Time
}

// Relay is a signed card action submitted by a relayer. Nonce is the card
// wallet nonce the signatures were made for.
type Relay struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Card      string    `gorm:"size:42;index"`
	Action    string    `gorm:"size:16"`
	Relayer   string    `gorm:"size:42;index"`
	Nonce     uint64
	CreatedAt time.Time
}

// AutoMigrate creates or updates the index tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Card{}, &Merchant{}, &Payment{}, &Transfer{}, &Relay{})
}
