package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/enclave/internal/audit"
)

// auditEventModel maps to the "audit_events" table. No UpdatedAt or
// DeletedAt: the audit log is append-only and immutable.
type auditEventModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Type        string `gorm:"size:64;index"`
	SandboxID   string `gorm:"size:36;index"`
	PoolID      string `gorm:"size:128"`
	Identity    string `gorm:"size:128;index"`
	Outcome     string `gorm:"size:16"`
	DetailsJSON string `gorm:"column:details_json;type:text"`
	CreatedAt   time.Time
}

func (auditEventModel) TableName() string { return "audit_events" }

// AuditRepository implements audit.Recorder over the store's database.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns a database-backed audit recorder sharing the
// store's connection, or nil when the store is not database-backed.
func NewAuditRepository(store Store) *AuditRepository {
	gs, ok := store.(*gormStore)
	if !ok {
		return nil
	}
	return &AuditRepository{db: gs.db}
}

// Record inserts a single audit event. This is the only write method;
// immutability is enforced at the type level.
func (r *AuditRepository) Record(ctx context.Context, event audit.Event) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns events newest first, optionally filtered by sandbox id.
// Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, sandboxID uuid.UUID, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if sandboxID != uuid.Nil {
		q = q.Where("sandbox_id = ?", sandboxID.String())
	}

	var models []auditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		ev, err := toAuditEvent(&models[i])
		if err != nil {
			return nil, err
		}
		events[i] = ev
	}
	return events, nil
}

func toAuditModel(event audit.Event) (*auditEventModel, error) {
	var detailsJSON string
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return nil, fmt.Errorf("encoding audit details: %w", err)
		}
		detailsJSON = string(raw)
	}
	m := &auditEventModel{
		Type:        event.Type,
		PoolID:      event.PoolID,
		Identity:    event.Identity,
		Outcome:     event.Outcome,
		DetailsJSON: detailsJSON,
		CreatedAt:   event.Time,
	}
	if event.SandboxID != uuid.Nil {
		m.SandboxID = event.SandboxID.String()
	}
	return m, nil
}

func toAuditEvent(m *auditEventModel) (audit.Event, error) {
	ev := audit.Event{
		Time:     m.CreatedAt,
		Type:     m.Type,
		PoolID:   m.PoolID,
		Identity: m.Identity,
		Outcome:  m.Outcome,
	}
	if m.SandboxID != "" {
		id, err := uuid.Parse(m.SandboxID)
		if err != nil {
			return audit.Event{}, fmt.Errorf("parsing audit sandbox id %q: %w", m.SandboxID, err)
		}
		ev.SandboxID = id
	}
	if m.DetailsJSON != "" {
		if err := json.Unmarshal([]byte(m.DetailsJSON), &ev.Details); err != nil {
			return audit.Event{}, fmt.Errorf("decoding audit details: %w", err)
		}
	}
	return ev, nil
}
