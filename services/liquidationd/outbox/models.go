package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"liquidationqueue/core/types"
)

// OutboundMessage is a transfer or repayment the relayer still has to carry
// out against the bank and lending systems.
type OutboundMessage struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence    uint64    `gorm:"index;not null"`
	Position    int       `gorm:"not null"`
	Method      string    `gorm:"size:64"`
	Kind        string    `gorm:"size:16;index"`
	Recipient   string    `gorm:"size:128;index"`
	Denom       string    `gorm:"size:128"`
	Amount      string    `gorm:"size:80;not null"`
	PositionRef string    `gorm:"size:128"`
	Delivered   bool      `gorm:"index;not null;default:false"`
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// EventRecord archives an event emitted by a committed message.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"index;not null"`
	Position   int       `gorm:"not null"`
	Method     string    `gorm:"size:64"`
	Type       string    `gorm:"size:64;index"`
	Asset      string    `gorm:"size:128;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Decode restores the archived event.
func (r EventRecord) Decode() (*types.Event, error) {
	evt := &types.Event{Type: r.Type, Attributes: map[string]string{}}
	if r.Attributes == "" {
		return evt, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &evt.Attributes); err != nil {
		return nil, err
	}
	return evt, nil
}

// AutoMigrate creates or updates the outbox tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&OutboundMessage{}, &EventRecord{})
}
