package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"liquidationqueue/core"
	"liquidationqueue/observability/metrics"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultLimit = 100
	maxLimit     = 1000
)

// ErrUnknownDriver is returned for drivers other than sqlite and postgres.
var ErrUnknownDriver = errors.New("outbox: unknown driver")

// Store persists committed side effects so an external relayer can deliver
// them at least once.
type Store struct {
	db      *gorm.DB
	metrics *metrics.OutboxMetrics
	nowFn   func() time.Time
}

// Open connects to the outbox database and migrates its schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("outbox: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	m := metrics.Outbox()
	m.InitKind("transfer")
	m.InitKind("repayment")
	return &Store{db: db, metrics: m, nowFn: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OnCommit records the commit's outbound messages and events in a single
// transaction. Registered as a host guard, a failure here discards the
// message so state never moves without its outbox rows.
func (s *Store) OnCommit(ctx context.Context, commit *core.Commit) error {
	if commit == nil || (len(commit.Outbound) == 0 && len(commit.Events) == 0) {
		return nil
	}
	created := commit.Time
	if created.IsZero() {
		created = s.nowFn().UTC()
	}
	outbound := make([]OutboundMessage, 0, len(commit.Outbound))
	for i, msg := range commit.Outbound {
		outbound = append(outbound, OutboundMessage{
			ID:          uuid.New(),
			Sequence:    commit.Sequence,
			Position:    i,
			Method:      commit.Method,
			Kind:        msg.Kind,
			Recipient:   msg.To.String(),
			Denom:       msg.Coin.Denom,
			Amount:      msg.Coin.Amount.Dec(),
			PositionRef: msg.PositionRef,
			CreatedAt:   created,
		})
	}
	records := make([]EventRecord, 0, len(commit.Events))
	for i, wrapped := range commit.Events {
		evt := wrapped.Event()
		if evt == nil {
			continue
		}
		attrs, err := json.Marshal(evt.Attributes)
		if err != nil {
			s.metrics.IncFailure("encode")
			return fmt.Errorf("outbox: encode event %s: %w", evt.Type, err)
		}
		records = append(records, EventRecord{
			ID:         uuid.New(),
			Sequence:   commit.Sequence,
			Position:   i,
			Method:     commit.Method,
			Type:       evt.Type,
			Asset:      evt.Attr("asset"),
			Attributes: string(attrs),
			CreatedAt:  created,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(outbound) > 0 {
			if err := tx.Create(&outbound).Error; err != nil {
				return err
			}
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.IncFailure("record")
		return fmt.Errorf("outbox: record sequence %d: %w", commit.Sequence, err)
	}
	for _, msg := range outbound {
		s.metrics.ObserveRecorded(msg.Kind)
	}
	s.metrics.SetLastSequence(commit.Sequence)
	return nil
}

// Revert deletes everything recorded for sequence. The host calls it when the
// state write following OnCommit fails.
func (s *Store) Revert(ctx context.Context, sequence uint64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence = ?", sequence).Delete(&OutboundMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("sequence = ?", sequence).Delete(&EventRecord{}).Error
	})
	if err != nil {
		s.metrics.IncFailure("revert")
		return fmt.Errorf("outbox: revert sequence %d: %w", sequence, err)
	}
	return nil
}

// OutboundFilter narrows ListOutbound.
type OutboundFilter struct {
	PendingOnly   bool
	Recipient     string
	AfterSequence uint64
	Limit         int
}

// ListOutbound returns outbound messages in commit order.
func (s *Store) ListOutbound(ctx context.Context, filter OutboundFilter) ([]OutboundMessage, error) {
	query := s.db.WithContext(ctx).Model(&OutboundMessage{})
	if filter.PendingOnly {
		query = query.Where("delivered = ?", false)
	}
	if recipient := strings.TrimSpace(filter.Recipient); recipient != "" {
		query = query.Where("recipient = ?", recipient)
	}
	if filter.AfterSequence > 0 {
		query = query.Where("sequence > ?", filter.AfterSequence)
	}
	var out []OutboundMessage
	err := query.Order("sequence asc").Order("position asc").Limit(clampLimit(filter.Limit)).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: list outbound: %w", err)
	}
	return out, nil
}

// MarkDelivered acknowledges outbound messages. Messages already delivered
// are left untouched; the number of newly acknowledged messages is returned.
func (s *Store) MarkDelivered(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.nowFn().UTC()
	var pending []OutboundMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ? AND delivered = ?", ids, false).Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		pendingIDs := make([]uuid.UUID, len(pending))
		for i, msg := range pending {
			pendingIDs[i] = msg.ID
		}
		return tx.Model(&OutboundMessage{}).
			Where("id IN ?", pendingIDs).
			Updates(map[string]interface{}{"delivered": true, "delivered_at": now}).Error
	})
	if err != nil {
		s.metrics.IncFailure("ack")
		return 0, fmt.Errorf("outbox: mark delivered: %w", err)
	}
	for _, msg := range pending {
		s.metrics.ObserveDelivered(msg.Kind)
	}
	return len(pending), nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Type          string
	Asset         string
	AfterSequence uint64
	Limit         int
}

// ListEvents returns archived events in emission order.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	query := s.db.WithContext(ctx).Model(&EventRecord{})
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if asset := strings.TrimSpace(filter.Asset); asset != "" {
		query = query.Where("asset = ?", asset)
	}
	if filter.AfterSequence > 0 {
		query = query.Where("sequence > ?", filter.AfterSequence)
	}
	var out []EventRecord
	err := query.Order("sequence asc").Order("position asc").Limit(clampLimit(filter.Limit)).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: list events: %w", err)
	}
	return out, nil
}

// LastSequence returns the highest commit sequence present in the outbox.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	row := s.db.WithContext(ctx).Model(&EventRecord{}).Select("MAX(sequence)").Row()
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("outbox: last sequence: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
