package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// GormStore stores turn records in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens driver (sqlite, postgres or mysql) and migrates the turn table.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open turn store: %w", err)
	}
	if err := db.AutoMigrate(&turnRow{}); err != nil {
		return nil, fmt.Errorf("migrate turn store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// OpenGorm opens a gorm connection for driver. An empty sqlite dsn uses turnstream.db.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "turnstream.db"
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		db, err := gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// UpsertTurn inserts the row or updates everything but the creation time.
func (s *GormStore) UpsertTurn(ctx context.Context, rec types.TurnRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	row := turnRowFromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "status", "detail", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert turn: %w", err)
	}
	return nil
}

func (s *GormStore) GetTurn(ctx context.Context, id string) (types.TurnRecord, error) {
	var row turnRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.TurnRecord{}, ErrNotFound
		}
		return types.TurnRecord{}, fmt.Errorf("get turn: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListTurns(ctx context.Context, scope string) ([]types.TurnRecord, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("conversation_scope = ?", scope).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	records := make([]types.TurnRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

type turnRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	ConversationScope string    `gorm:"size:191;index;not null"`
	Content           string    `gorm:"type:text"`
	Status            string    `gorm:"size:32;not null"`
	Detail            string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (turnRow) TableName() string { return "turns" }

func turnRowFromRecord(rec types.TurnRecord) turnRow {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return turnRow{
		ID:                rec.ID,
		ConversationScope: rec.ConversationScope,
		Content:           rec.Content,
		Status:            string(rec.Status),
		Detail:            rec.Detail,
		CreatedAt:         rec.CreatedAt.UTC(),
		UpdatedAt:         rec.UpdatedAt.UTC(),
	}
}

func (r turnRow) toRecord() types.TurnRecord {
	return types.TurnRecord{
		ID:                r.ID,
		ConversationScope: r.ConversationScope,
		Content:           r.Content,
		Status:            types.TurnStatus(r.Status),
		Detail:            r.Detail,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return trimQuery(raw), true
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return trimQuery(strings.TrimPrefix(raw, "file:")), true
	}
	if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
		return "", false
	}
	if parsed.Path != "" {
		return parsed.Path, true
	}
	if parsed.Opaque != "" {
		return trimQuery(strings.TrimPrefix(raw, "file:")), true
	}
	return "", false
}

func trimQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
