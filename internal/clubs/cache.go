package clubs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opCacheNew  = "clubs.cache.new"
	opCacheSave = "clubs.cache.save"
	opCacheLoad = "clubs.cache.load"
)

// ClubRecord is the cached snapshot row persisted between runs.
type ClubRecord struct {
	ClubID           string `gorm:"column:club_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;not null"`
	BooksJSON        string `gorm:"column:books_json;type:text;not null"`
	CurrentSelection string `gorm:"column:current_selection;not null;default:''"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	IsOwner          bool   `gorm:"column:is_owner;not null"`
	IsShared         bool   `gorm:"column:is_shared;not null"`
	CreatedAtMs      int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs      int64  `gorm:"column:updated_at_ms;not null"`
	CachedAtMs       int64  `gorm:"column:cached_at_ms;not null"`
}

func (ClubRecord) TableName() string {
	return "club_snapshots"
}

type CacheConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache persists club snapshots to the local database so the process can
// start with last-known-good state while the remote store is unreachable.
type Cache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCacheNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Cache{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveAll replaces the cached snapshot with the provided clubs. Clubs absent
// from the slice are removed so the cache mirrors the in-memory state.
func (c *Cache) SaveAll(ctx context.Context, clubsToCache []Club) error {
	if c.db == nil {
		c.logError(opCacheSave, "missing_database", errMissingDatabase)
		return newServiceError(opCacheSave, "missing_database", errMissingDatabase)
	}

	cachedAt := c.clock().UTC()
	records := make([]ClubRecord, 0, len(clubsToCache))
	keptIDs := make([]string, 0, len(clubsToCache))
	for _, club := range clubsToCache {
		booksJSON, err := encodeBookList(club.Books)
		if err != nil {
			c.logError(opCacheSave, "encode_books_failed", err, zap.String("club_id", club.ID))
			return newServiceError(opCacheSave, "encode_books_failed", err)
		}
		records = append(records, ClubRecord{
			ClubID:           club.ID,
			Name:             club.Name,
			BooksJSON:        booksJSON,
			CurrentSelection: club.CurrentSelection,
			OwnerID:          club.OwnerID,
			IsOwner:          club.Access.IsOwner,
			IsShared:         club.Access.IsShared,
			CreatedAtMs:      club.CreatedAt.UnixMilli(),
			UpdatedAtMs:      club.UpdatedAt.UnixMilli(),
			CachedAtMs:       cachedAt.UnixMilli(),
		})
		keptIDs = append(keptIDs, club.ID)
	}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if len(keptIDs) > 0 {
			stale = tx.Where("club_id NOT IN ?", keptIDs)
		}
		if err := stale.Delete(&ClubRecord{}).Error; err != nil {
			c.logError(opCacheSave, "prune_failed", err)
			return newServiceError(opCacheSave, "prune_failed", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error; err != nil {
			c.logError(opCacheSave, "upsert_failed", err)
			return newServiceError(opCacheSave, "upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	return nil
}

// LoadAll returns the cached clubs ordered by creation time.
func (c *Cache) LoadAll(ctx context.Context) ([]Club, error) {
	if c.db == nil {
		c.logError(opCacheLoad, "missing_database", errMissingDatabase)
		return nil, newServiceError(opCacheLoad, "missing_database", errMissingDatabase)
	}

	var records []ClubRecord
	if err := c.db.WithContext(ctx).
		Order("created_at_ms ASC").
		Find(&records).Error; err != nil {
		c.logError(opCacheLoad, "query_failed", err)
		return nil, newServiceError(opCacheLoad, "query_failed", err)
	}

	loaded := make([]Club, 0, len(records))
	for _, record := range records {
		books, err := decodeBookList(record.BooksJSON)
		if err != nil {
			c.logError(opCacheLoad, "decode_books_failed", err, zap.String("club_id", record.ClubID))
			return nil, newServiceError(opCacheLoad, "decode_books_failed", err)
		}
		loaded = append(loaded, Club{
			ID:               record.ClubID,
			Name:             record.Name,
			Books:            books,
			CurrentSelection: record.CurrentSelection,
			CreatedAt:        time.UnixMilli(record.CreatedAtMs).UTC(),
			UpdatedAt:        time.UnixMilli(record.UpdatedAtMs).UTC(),
			OwnerID:          record.OwnerID,
			Access:           AccessFlags{IsOwner: record.IsOwner, IsShared: record.IsShared},
		})
	}

	return loaded, nil
}

func encodeBookList(books []string) (string, error) {
	if len(books) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(books)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeBookList(encoded string) ([]string, error) {
	if encoded == "" || encoded == "[]" {
		return nil, nil
	}
	var books []string
	if err := json.Unmarshal([]byte(encoded), &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Cache) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Cache) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("club cache error", attrs...)
}
