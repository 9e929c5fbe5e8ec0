// Package cache is the persistent book cache: the keyed store of
// (user, identifier, identifier kind, normalized title) → edition mapping
// and last-synced progress that gives the engine at-most-once work and
// change detection across runs.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rohit-purandare/shelfbridge/internal/identifier"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
	"github.com/rohit-purandare/shelfbridge/internal/progress"
)

func normTitle(s string) string { return identifier.NormalizeTitle(s) }

func normAuthor(s string) string { return identifier.NormalizeAuthor(s) }

// SchemaVersion is recorded in the store; forward migrations are additive.
const SchemaVersion = 1

// CachedMapping is one persisted row, unique by
// (user_id, identifier_kind, identifier_value, title_norm).
type CachedMapping struct {
	ID              uint   `gorm:"primaryKey"`
	UserID          string `gorm:"uniqueIndex:idx_mapping_key;not null"`
	IdentifierKind  string `gorm:"uniqueIndex:idx_mapping_key;not null"`
	IdentifierValue string `gorm:"uniqueIndex:idx_mapping_key;not null"`
	TitleNorm       string `gorm:"uniqueIndex:idx_mapping_key;not null"`
	AuthorNorm      string
	EditionID       string
	BookID          string

	LastProgressPercent float64
	LastHardcoverSyncTS *time.Time

	SessionPendingProgress *float64
	SessionLastUpdateTS    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the historical table name stable across schema versions.
func (CachedMapping) TableName() string {
	return "cached_mappings"
}

type schemaMeta struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

func (schemaMeta) TableName() string {
	return "schema_meta"
}

// Store is the sqlite-backed book cache.
type Store struct {
	db     *gorm.DB
	engine *progress.Engine
	log    *logger.Logger
}

// Open opens (creating if needed) the cache database at path. WAL journal
// mode keeps single-row commits crash-safe.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Get()
	}
	log = log.WithComponent("book_cache")

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL journal mode: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(&CachedMapping{}, &schemaMeta{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	var meta schemaMeta
	if err := db.First(&meta).Error; err != nil {
		meta = schemaMeta{Version: SchemaVersion}
		if err := db.Create(&meta).Error; err != nil {
			return nil, fmt.Errorf("failed to record schema version: %w", err)
		}
	} else if meta.Version < SchemaVersion {
		meta.Version = SchemaVersion
		if err := db.Save(&meta).Error; err != nil {
			return nil, fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	log.Debug().Str("path", path).Int("schema_version", SchemaVersion).Msg("Opened book cache")

	return &Store{
		db:     db,
		engine: progress.NewEngine(log),
		log:    log,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the mapping for (user, identifier, title), or (nil, nil) when
// absent.
func (s *Store) Get(userID string, id models.Identifier, title string) (*CachedMapping, error) {
	var row CachedMapping
	err := s.db.
		Where("user_id = ? AND identifier_kind = ? AND identifier_value = ? AND title_norm = ?",
			userID, string(id.Kind), id.Value, normTitle(title)).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	return &row, nil
}

// HasProgressChanged reports whether newPct differs from the cached value
// by at least threshold. Unknown books always count as changed.
func (s *Store) HasProgressChanged(userID string, id models.Identifier, title string, newPct, threshold float64) (bool, error) {
	row, err := s.Get(userID, id, title)
	if err != nil {
		return true, err
	}
	if row == nil {
		return true, nil
	}
	change := s.engine.DetectChange(row.LastProgressPercent, newPct, threshold)
	return change.HasChange, nil
}

// StoreMapping creates or updates the edition mapping for a key, preserving
// progress and session fields on update.
func (s *Store) StoreMapping(userID string, id models.Identifier, title, author, editionID, bookID string) error {
	return s.upsert(userID, id, title, func(row *CachedMapping) {
		row.AuthorNorm = normAuthor(author)
		row.EditionID = editionID
		row.BookID = bookID
	})
}

// RecordSync records a successful remote sync: progress, timestamp, and
// cleared session fields.
func (s *Store) RecordSync(userID string, id models.Identifier, title string, progressPct float64, ts time.Time) error {
	return s.upsert(userID, id, title, func(row *CachedMapping) {
		row.LastProgressPercent = progressPct
		row.LastHardcoverSyncTS = &ts
		row.SessionPendingProgress = nil
		row.SessionLastUpdateTS = nil
	})
}

// UpdateSession stores pending (delayed) progress without touching the
// last-synced value.
func (s *Store) UpdateSession(userID string, id models.Identifier, title string, pendingPct float64) error {
	now := time.Now()
	return s.upsert(userID, id, title, func(row *CachedMapping) {
		row.SessionPendingProgress = &pendingPct
		row.SessionLastUpdateTS = &now
	})
}

// CompleteSession finalizes a delayed session: records the final progress
// and clears the session fields.
func (s *Store) CompleteSession(userID string, id models.Identifier, title string, finalPct float64) error {
	return s.RecordSync(userID, id, title, finalPct, time.Now())
}

// ExpiredSessions returns rows with pending session progress whose last
// session update is at least timeout old.
func (s *Store) ExpiredSessions(userID string, timeout time.Duration) ([]CachedMapping, error) {
	cutoff := time.Now().Add(-timeout)
	var rows []CachedMapping
	err := s.db.
		Where("user_id = ? AND session_pending_progress IS NOT NULL AND session_last_update_ts <= ?",
			userID, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("expired session scan failed: %w", err)
	}
	return rows, nil
}

// Stats summarizes the cached library for a user.
type Stats struct {
	TotalBooks      int64 `json:"total_books"`
	InProgress      int64 `json:"in_progress"`
	Completed       int64 `json:"completed"`
	PendingSessions int64 `json:"pending_sessions"`
}

// LibraryStats returns derived counters over the user's cache rows.
func (s *Store) LibraryStats(userID string) (*Stats, error) {
	var stats Stats
	base := s.db.Model(&CachedMapping{}).Where("user_id = ?", userID)

	if err := base.Session(&gorm.Session{}).Count(&stats.TotalBooks).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("last_progress_percent > 0 AND last_progress_percent < ?", progress.DefaultCompletionThreshold).
		Count(&stats.InProgress).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("last_progress_percent >= ?", progress.DefaultCompletionThreshold).
		Count(&stats.Completed).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("session_pending_progress IS NOT NULL").
		Count(&stats.PendingSessions).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

// UpdateSessionTimestampForTest rewrites the session timestamp of every row
// carrying the identifier value. Test hook only.
func (s *Store) UpdateSessionTimestampForTest(identifierValue string, ts time.Time) error {
	return s.db.Model(&CachedMapping{}).
		Where("identifier_value = ?", identifierValue).
		Update("session_last_update_ts", ts).Error
}

// Clear removes all rows for a user.
func (s *Store) Clear(userID string) error {
	return s.db.Where("user_id = ?", userID).Delete(&CachedMapping{}).Error
}

// upsert applies mutate to the existing row for the key, or to a fresh row,
// inside a transaction so each key's writes are serialized.
func (s *Store) upsert(userID string, id models.Identifier, title string, mutate func(*CachedMapping)) error {
	titleNorm := normTitle(title)
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row CachedMapping
		err := tx.
			Where("user_id = ? AND identifier_kind = ? AND identifier_value = ? AND title_norm = ?",
				userID, string(id.Kind), id.Value, titleNorm).
			First(&row).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			row = CachedMapping{
				UserID:          userID,
				IdentifierKind:  string(id.Kind),
				IdentifierValue: id.Value,
				TitleNorm:       titleNorm,
			}
			mutate(&row)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("cache insert failed: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("cache lookup failed: %w", err)
		default:
			mutate(&row)
			row.UpdatedAt = time.Now()
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("cache update failed: %w", err)
			}
			return nil
		}
	})
}
