// Package audit persists an execution history for the sandbox.
// Uses modernc SQLite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, WAL mode for concurrent reads. Recording is best effort: a broken
// audit database degrades history, never tool execution.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one tool execution.
type Record struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	Tool        string    `gorm:"index;not null" json:"tool"`
	Success     bool      `gorm:"not null" json:"success"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	InputBytes  int64     `json:"input_bytes"`
	OutputBytes int64     `json:"output_bytes"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across model renames.
func (Record) TableName() string { return "executions" }

// Store is the sqlite-backed execution history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path and migrates the schema.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	slogger.Info("audit store opened", slog.String("path", path))
	return &Store{db: db, logger: slogger}, nil
}

// RecordExecution appends one row. Failures are logged, not returned;
// callers never fail an operation because history was unavailable.
func (s *Store) RecordExecution(ctx context.Context, tool string, success bool, errorKind string, duration time.Duration, inBytes, outBytes int) {
	if s == nil {
		return
	}
	rec := Record{
		ID:          uuid.NewString(),
		Tool:        tool,
		Success:     success,
		ErrorKind:   errorKind,
		DurationMS:  duration.Milliseconds(),
		InputBytes:  int64(inBytes),
		OutputBytes: int64(outBytes),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warn("recording execution failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	}
}

// ListRecent returns the newest n records.
func (s *Store) ListRecent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(n).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return records, nil
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter bridges gorm's printf-style logger onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}
