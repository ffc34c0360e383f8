package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// Memory is an in-process Store for tests and single-node ephemeral runs.
// CAS semantics match the database-backed implementation exactly.
type Memory struct {
	mu          sync.Mutex
	sandboxes   map[uuid.UUID]*SandboxRecord
	poolConfigs map[string]*domain.WarmPoolConfig
	members     map[uuid.UUID]*domain.PoolMember
	checkpoints map[uuid.UUID]*domain.CheckpointMetadata
}

func NewMemory() *Memory {
	return &Memory{
		sandboxes:   make(map[uuid.UUID]*SandboxRecord),
		poolConfigs: make(map[string]*domain.WarmPoolConfig),
		members:     make(map[uuid.UUID]*domain.PoolMember),
		checkpoints: make(map[uuid.UUID]*domain.CheckpointMetadata),
	}
}

func (s *Memory) Driver() string                  { return DriverMemory }
func (s *Memory) Migrate(_ context.Context) error { return nil }
func (s *Memory) Close() error                    { return nil }

func (s *Memory) PutSandbox(_ context.Context, rec *SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.sandboxes[rec.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.sandboxes[rec.ID] = &cp
	return nil
}

func (s *Memory) GetSandbox(_ context.Context, id uuid.UUID) (*SandboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Memory) ListSandboxes(_ context.Context) ([]*SandboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*SandboxRecord, 0, len(s.sandboxes))
	for _, rec := range s.sandboxes {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *Memory) DeleteSandbox(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sandboxes, id)
	return nil
}

func (s *Memory) PutPoolConfig(_ context.Context, cfg *domain.WarmPoolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.poolConfigs[cfg.PoolID] = &cp
	return nil
}

func (s *Memory) GetPoolConfig(_ context.Context, poolID string) (*domain.WarmPoolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.poolConfigs[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *Memory) ListPoolConfigs(_ context.Context) ([]*domain.WarmPoolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfgs := make([]*domain.WarmPoolConfig, 0, len(s.poolConfigs))
	for _, cfg := range s.poolConfigs {
		cp := *cfg
		cfgs = append(cfgs, &cp)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].PoolID < cfgs[j].PoolID })
	return cfgs, nil
}

func (s *Memory) DeletePoolConfig(_ context.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.poolConfigs, poolID)
	return nil
}

func (s *Memory) InsertMember(_ context.Context, m *domain.PoolMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.members[m.SandboxID] = &cp
	return nil
}

func (s *Memory) GetMember(_ context.Context, sandboxID uuid.UUID) (*domain.PoolMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListMembers(_ context.Context, poolID string, state domain.PoolSandboxState) ([]*domain.PoolMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]*domain.PoolMember, 0)
	for _, m := range s.members {
		if m.PoolID != poolID {
			continue
		}
		if state != "" && m.State != state {
			continue
		}
		cp := *m
		members = append(members, &cp)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })
	return members, nil
}

func (s *Memory) CompareAndSwapMember(_ context.Context, m *domain.PoolMember, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.members[m.SandboxID]
	if !ok || stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	stored.State = m.State
	stored.ClaimedBy = m.ClaimedBy
	stored.Version = expectedVersion + 1
	m.Version = stored.Version
	return nil
}

func (s *Memory) DeleteMember(_ context.Context, sandboxID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, sandboxID)
	return nil
}

func (s *Memory) PutCheckpoint(_ context.Context, meta *domain.CheckpointMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.checkpoints[meta.ID] = &cp
	return nil
}

func (s *Memory) GetCheckpoint(_ context.Context, id uuid.UUID) (*domain.CheckpointMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

func (s *Memory) ListCheckpoints(_ context.Context, sandboxID uuid.UUID) ([]*domain.CheckpointMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := make([]*domain.CheckpointMetadata, 0)
	for _, meta := range s.checkpoints {
		if meta.SandboxID != sandboxID {
			continue
		}
		cp := *meta
		metas = append(metas, &cp)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return metas, nil
}

func (s *Memory) DeleteCheckpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}
