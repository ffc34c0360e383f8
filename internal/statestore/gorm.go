package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/enclave/internal/domain"
)

// gormStore implements Store over a GORM connection. The same code serves
// both SQLite and PostgreSQL; driver-specific concerns stop at Open.
type gormStore struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

// Open selects a driver from cfg and opens the store.
func Open(cfg Config, slogger *slog.Logger) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	switch driver {
	case DriverSQLite:
		return OpenSQLite(cfg.SQLite, slogger)
	case DriverPostgres:
		return OpenPostgres(cfg.Postgres, slogger)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// OpenSQLite opens a SQLite-backed store. Pure Go driver, WAL mode by
// default so membership reads do not block CAS writers.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  newGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite state store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return &gormStore{db: db, logger: slogger, driver: DriverSQLite}, nil
}

// OpenPostgres opens a PostgreSQL-backed store with a configured
// connection pool.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	slogger.Info("postgres state store connected",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return &gormStore{db: db, logger: slogger, driver: DriverPostgres}, nil
}

func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func (s *gormStore) Driver() string { return s.driver }

func (s *gormStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&sandboxModel{},
		&poolConfigModel{},
		&poolMemberModel{},
		&checkpointModel{},
		&auditEventModel{},
	)
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- sandboxes ---

func (s *gormStore) PutSandbox(ctx context.Context, rec *SandboxRecord) error {
	m, err := toSandboxModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *gormStore) GetSandbox(ctx context.Context, id uuid.UUID) (*SandboxRecord, error) {
	var m sandboxModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromSandboxModel(&m)
}

func (s *gormStore) ListSandboxes(ctx context.Context) ([]*SandboxRecord, error) {
	var models []sandboxModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	recs := make([]*SandboxRecord, 0, len(models))
	for i := range models {
		rec, err := fromSandboxModel(&models[i])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *gormStore) DeleteSandbox(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&sandboxModel{}, "id = ?", id.String()).Error
}

// --- pool configs ---

func (s *gormStore) PutPoolConfig(ctx context.Context, cfg *domain.WarmPoolConfig) error {
	m, err := toPoolConfigModel(cfg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *gormStore) GetPoolConfig(ctx context.Context, poolID string) (*domain.WarmPoolConfig, error) {
	var m poolConfigModel
	err := s.db.WithContext(ctx).First(&m, "pool_id = ?", poolID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPoolConfigModel(&m)
}

func (s *gormStore) ListPoolConfigs(ctx context.Context) ([]*domain.WarmPoolConfig, error) {
	var models []poolConfigModel
	if err := s.db.WithContext(ctx).Order("pool_id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	cfgs := make([]*domain.WarmPoolConfig, 0, len(models))
	for i := range models {
		cfg, err := fromPoolConfigModel(&models[i])
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func (s *gormStore) DeletePoolConfig(ctx context.Context, poolID string) error {
	return s.db.WithContext(ctx).Delete(&poolConfigModel{}, "pool_id = ?", poolID).Error
}

// --- pool members ---

func (s *gormStore) InsertMember(ctx context.Context, m *domain.PoolMember) error {
	return s.db.WithContext(ctx).Create(toPoolMemberModel(m)).Error
}

func (s *gormStore) GetMember(ctx context.Context, sandboxID uuid.UUID) (*domain.PoolMember, error) {
	var m poolMemberModel
	err := s.db.WithContext(ctx).First(&m, "sandbox_id = ?", sandboxID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPoolMemberModel(&m)
}

func (s *gormStore) ListMembers(ctx context.Context, poolID string, state domain.PoolSandboxState) ([]*domain.PoolMember, error) {
	q := s.db.WithContext(ctx).Where("pool_id = ?", poolID)
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	var models []poolMemberModel
	if err := q.Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	members := make([]*domain.PoolMember, 0, len(models))
	for i := range models {
		member, err := fromPoolMemberModel(&models[i])
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

// CompareAndSwapMember is a single conditional UPDATE keyed on the version
// column. RowsAffected == 0 means another writer advanced the version
// first, so the caller's view is stale.
func (s *gormStore) CompareAndSwapMember(ctx context.Context, m *domain.PoolMember, expectedVersion int64) error {
	res := s.db.WithContext(ctx).Model(&poolMemberModel{}).
		Where("sandbox_id = ? AND version = ?", m.SandboxID.String(), expectedVersion).
		Updates(map[string]any{
			"state":      string(m.State),
			"claimed_by": m.ClaimedBy,
			"version":    expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	m.Version = expectedVersion + 1
	return nil
}

func (s *gormStore) DeleteMember(ctx context.Context, sandboxID uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&poolMemberModel{}, "sandbox_id = ?", sandboxID.String()).Error
}

// --- checkpoints ---

func (s *gormStore) PutCheckpoint(ctx context.Context, meta *domain.CheckpointMetadata) error {
	m, err := toCheckpointModel(meta)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *gormStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (*domain.CheckpointMetadata, error) {
	var m checkpointModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromCheckpointModel(&m)
}

func (s *gormStore) ListCheckpoints(ctx context.Context, sandboxID uuid.UUID) ([]*domain.CheckpointMetadata, error) {
	var models []checkpointModel
	err := s.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID.String()).
		Order("created_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	metas := make([]*domain.CheckpointMetadata, 0, len(models))
	for i := range models {
		meta, err := fromCheckpointModel(&models[i])
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *gormStore) DeleteCheckpoint(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&checkpointModel{}, "id = ?", id.String()).Error
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
