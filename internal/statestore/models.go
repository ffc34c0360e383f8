package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// GORM models. Specs and template documents are stored as JSON text so
// the schema survives spec evolution without migrations; columns used in
// queries (phase, pool_id, state, version) are first-class.

type sandboxModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	SpecJSON  string `gorm:"column:spec_json;type:text"`
	Runtime   string `gorm:"size:32;index"`
	Phase     string `gorm:"size:32;index"`
	Reason    string `gorm:"type:text"`
	PoolID    string `gorm:"size:128;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sandboxModel) TableName() string { return "sandboxes" }

type poolConfigModel struct {
	PoolID     string `gorm:"primaryKey;size:128"`
	ConfigJSON string `gorm:"column:config_json;type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (poolConfigModel) TableName() string { return "pool_configs" }

type poolMemberModel struct {
	SandboxID string `gorm:"primaryKey;size:36"`
	PoolID    string `gorm:"size:128;index:idx_pool_state"`
	State     string `gorm:"size:16;index:idx_pool_state"`
	ClaimedBy string `gorm:"size:128"`
	CreatedAt time.Time
	Version   int64
}

func (poolMemberModel) TableName() string { return "pool_members" }

type checkpointModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	SandboxID string `gorm:"size:36;index"`
	MetaJSON  string `gorm:"column:meta_json;type:text"`
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (checkpointModel) TableName() string { return "checkpoints" }

func toSandboxModel(rec *SandboxRecord) (*sandboxModel, error) {
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox spec: %w", err)
	}
	return &sandboxModel{
		ID:       rec.ID.String(),
		SpecJSON: string(specJSON),
		Runtime:  string(rec.Runtime),
		Phase:    string(rec.Phase),
		Reason:   rec.Reason,
		PoolID:   rec.PoolID,
	}, nil
}

func fromSandboxModel(m *sandboxModel) (*SandboxRecord, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing sandbox id %q: %w", m.ID, err)
	}
	rec := &SandboxRecord{
		ID:        id,
		Runtime:   domain.RuntimeClass(m.Runtime),
		Phase:     domain.Phase(m.Phase),
		Reason:    m.Reason,
		PoolID:    m.PoolID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(m.SpecJSON), &rec.Spec); err != nil {
		return nil, fmt.Errorf("decoding sandbox spec: %w", err)
	}
	return rec, nil
}

func toPoolConfigModel(cfg *domain.WarmPoolConfig) (*poolConfigModel, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding pool config: %w", err)
	}
	return &poolConfigModel{PoolID: cfg.PoolID, ConfigJSON: string(data)}, nil
}

func fromPoolConfigModel(m *poolConfigModel) (*domain.WarmPoolConfig, error) {
	var cfg domain.WarmPoolConfig
	if err := json.Unmarshal([]byte(m.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decoding pool config: %w", err)
	}
	return &cfg, nil
}

func toPoolMemberModel(m *domain.PoolMember) *poolMemberModel {
	return &poolMemberModel{
		SandboxID: m.SandboxID.String(),
		PoolID:    m.PoolID,
		State:     string(m.State),
		ClaimedBy: m.ClaimedBy,
		CreatedAt: m.CreatedAt,
		Version:   m.Version,
	}
}

func fromPoolMemberModel(m *poolMemberModel) (*domain.PoolMember, error) {
	id, err := uuid.Parse(m.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("parsing member sandbox id %q: %w", m.SandboxID, err)
	}
	return &domain.PoolMember{
		PoolID:    m.PoolID,
		SandboxID: id,
		State:     domain.PoolSandboxState(m.State),
		ClaimedBy: m.ClaimedBy,
		CreatedAt: m.CreatedAt,
		Version:   m.Version,
	}, nil
}

func toCheckpointModel(meta *domain.CheckpointMetadata) (*checkpointModel, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint metadata: %w", err)
	}
	m := &checkpointModel{
		ID:        meta.ID.String(),
		SandboxID: meta.SandboxID.String(),
		MetaJSON:  string(data),
		CreatedAt: meta.CreatedAt,
	}
	if !meta.ExpiresAt.IsZero() {
		expires := meta.ExpiresAt
		m.ExpiresAt = &expires
	}
	return m, nil
}

func fromCheckpointModel(m *checkpointModel) (*domain.CheckpointMetadata, error) {
	var meta domain.CheckpointMetadata
	if err := json.Unmarshal([]byte(m.MetaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decoding checkpoint metadata: %w", err)
	}
	return &meta, nil
}
