package checkpoint

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBConfig configures the checkpoint store's backing database connection.
// Driver defaults to "sqlite".
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// checkpointRow is the gorm model backing one saved Checkpoint. Only the
// latest row (by CreatedAt) is ever read back; older rows are retained as
// a cheap history rather than deleted on every save.
type checkpointRow struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	Payload   []byte    `gorm:"type:blob;not null"`
}

func (r *checkpointRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		r.ID = id
	}
	return nil
}

func (checkpointRow) TableName() string { return "checkpoints" }

// payload is the JSON shape persisted in checkpointRow.Payload. Kept
// separate from Checkpoint itself so the wire/storage shape can evolve
// independently of the in-memory type.
type payload struct {
	Version              int                           `json:"version"`
	CheckpointID         string                        `json:"checkpointId"`
	CreatedAt            time.Time                     `json:"createdAt"`
	RegistryEntries      []registryEntryPayload        `json:"registryEntries"`
	Sessions             []sessionPayload              `json:"sessions"`
	ConversationBindings []conversationBindingPayload  `json:"conversationBindings"`
	ChannelBindings      []channelBindingPayload        `json:"channelBindings"`
	PendingDeliveries    []pendingDeliveryPayload       `json:"pendingDeliveries"`
}

// GormStore persists checkpoints as JSON-encoded rows via gorm, backed by
// sqlite (pure-Go, via modernc.org/sqlite) or postgres.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the database connection, applies embedded migrations,
// and returns a ready-to-use GormStore.
func NewGormStore(cfg DBConfig) (*GormStore, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("checkpoint: logger is required")
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: gorm open sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: gorm open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: get sql.DB: %w", err)
		}
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("checkpoint: unsupported driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName); err != nil {
		return nil, fmt.Errorf("checkpoint: migrations: %w", err)
	}

	return &GormStore{db: database, logger: cfg.Logger.Named("checkpoint-store")}, nil
}

func runMigrations(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Save marshals cp and inserts a new row. Prior rows are left in place.
func (s *GormStore) Save(cp Checkpoint) error {
	p := toPayload(cp)
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	row := &checkpointRow{CreatedAt: cp.CreatedAt, Payload: buf}
	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("checkpoint: insert row: %w", err)
	}
	s.logger.Info("checkpoint saved", zap.String("checkpoint_id", cp.CheckpointID))
	return nil
}

// Load returns the most recently saved checkpoint.
func (s *GormStore) Load() (Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.Order("created_at DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: query latest: %w", err)
	}

	var p payload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return fromPayload(p), true, nil
}
