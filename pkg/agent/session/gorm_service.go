package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
)

// GormService is a durable Service backed by a relational database.
// Appends run in a transaction that takes a row lock on the session
// record, so writers to the same session serialize at the store while
// different sessions proceed on separate rows.
type GormService struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

type sessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Subject   string `gorm:"size:256;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time `gorm:"index"`
}

func (sessionRecord) TableName() string { return "agent_sessions" }

type turnRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;uniqueIndex:idx_turn_order,priority:1"`
	Seq       int    `gorm:"uniqueIndex:idx_turn_order,priority:2"`
	Role      string `gorm:"size:16"`
	Content   string
	ToolName  string `gorm:"size:128"`
	ToolArgs  string
	ToolError string
	LatencyMs int64
	CreatedAt time.Time
}

func (turnRecord) TableName() string { return "agent_turns" }

// OpenDatabase opens the configured backend. Supported backends are
// "sqlite" and "postgres".
func OpenDatabase(backend, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch backend {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported session backend %q", backend)
	}
}

// NewGormService migrates the schema and returns a durable store. A
// zero retention means sessions never expire.
func NewGormService(db *gorm.DB, retention time.Duration) (*GormService, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &turnRecord{}); err != nil {
		return nil, fmt.Errorf("migrating session schema: %w", err)
	}
	return &GormService{db: db, retention: retention, now: time.Now}, nil
}

func (g *GormService) Get(ctx context.Context, id string) (*Session, error) {
	var rec sessionRecord
	err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &agenterrors.StoreError{Op: "get", Err: err}
	}
	if rec.ExpiresAt != nil && !g.now().Before(*rec.ExpiresAt) {
		return nil, ErrNotFound
	}

	var turns []turnRecord
	if err := g.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("seq asc").
		Find(&turns).Error; err != nil {
		return nil, &agenterrors.StoreError{Op: "get", Err: err}
	}

	return toSession(rec, turns), nil
}

func (g *GormService) Append(ctx context.Context, id, subject string, turns ...Turn) (*Session, error) {
	if id == "" {
		return nil, &agenterrors.StoreError{Op: "append", Err: errEmptyID}
	}

	var out *Session
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := g.now()

		lookup := tx
		// SQLite has no FOR UPDATE; its single-writer transactions
		// already serialize appends.
		if tx.Dialector.Name() == "postgres" {
			lookup = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec sessionRecord
		err := lookup.First(&rec, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = sessionRecord{ID: id, Subject: subject, CreatedAt: now, UpdatedAt: now}
			if g.retention > 0 {
				deadline := now.Add(g.retention)
				rec.ExpiresAt = &deadline
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		}

		// Next sequence number under the row lock. The unique index on
		// (session_id, seq) backs this up if the lock is ever weaker
		// than expected.
		var maxSeq int
		if err := tx.Model(&turnRecord{}).
			Where("session_id = ?", id).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		records := make([]turnRecord, 0, len(turns))
		for i, t := range turns {
			createdAt := t.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			args := ""
			if t.ToolArgs != nil {
				raw, err := json.Marshal(t.ToolArgs)
				if err != nil {
					return fmt.Errorf("encoding tool arguments: %w", err)
				}
				args = string(raw)
			}
			records = append(records, turnRecord{
				SessionID: id,
				Seq:       maxSeq + 1 + i,
				Role:      t.Role,
				Content:   t.Content,
				ToolName:  t.ToolName,
				ToolArgs:  args,
				ToolError: t.ToolError,
				LatencyMs: t.Latency.Milliseconds(),
				CreatedAt: createdAt,
			})
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}

		rec.UpdatedAt = now
		if err := tx.Model(&sessionRecord{}).
			Where("id = ?", id).
			Update("updated_at", now).Error; err != nil {
			return err
		}

		var all []turnRecord
		if err := tx.Where("session_id = ?", id).Order("seq asc").Find(&all).Error; err != nil {
			return err
		}
		out = toSession(rec, all)
		return nil
	})
	if err != nil {
		return nil, &agenterrors.StoreError{Op: "append", Err: err}
	}
	return out, nil
}

func (g *GormService) Delete(ctx context.Context, id string) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&sessionRecord{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&turnRecord{}, "session_id = ?", id).Error
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return &agenterrors.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (g *GormService) SweepExpired(ctx context.Context) (int, error) {
	now := g.now()
	var ids []string
	if err := g.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Pluck("id", &ids).Error; err != nil {
		return 0, &agenterrors.StoreError{Op: "sweep", Err: err}
	}

	removed := 0
	for _, id := range ids {
		if err := g.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func toSession(rec sessionRecord, turns []turnRecord) *Session {
	s := &Session{
		ID:        rec.ID,
		Subject:   rec.Subject,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt,
		Turns:     make([]Turn, 0, len(turns)),
	}
	for _, t := range turns {
		turn := Turn{
			Role:      t.Role,
			Content:   t.Content,
			ToolName:  t.ToolName,
			ToolError: t.ToolError,
			Latency:   time.Duration(t.LatencyMs) * time.Millisecond,
			CreatedAt: t.CreatedAt,
		}
		if t.ToolArgs != "" {
			_ = json.Unmarshal([]byte(t.ToolArgs), &turn.ToolArgs)
		}
		s.Turns = append(s.Turns, turn)
	}
	return s
}
