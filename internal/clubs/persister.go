package clubs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultRemoteWriteGate = 2 * time.Second

var (
	errMissingCache    = errors.New("snapshot cache is required")
	errMissingRowStore = errors.New("row store is required")
	errMissingLocalID  = errors.New("local user identifier is required")
)

const (
	opPersisterNew   = "clubs.persister.new"
	opPersisterLoad  = "clubs.persister.load"
	opPersisterSave  = "clubs.persister.save"
	opPersisterFlush = "clubs.persister.flush"
)

// RowStore is the subset of the remote row API the persister depends on.
type RowStore interface {
	ListRows(ctx context.Context) ([]Row, error)
	UpsertRow(ctx context.Context, row Row) error
}

type PersisterConfig struct {
	Cache       *Cache
	Rows        RowStore
	LocalUserID string
	Clock       func() time.Time
	Logger      *zap.Logger
	// RemoteWriteGate is the minimum spacing between outbound row flushes.
	// Saves inside the gate still reach the local cache.
	RemoteWriteGate time.Duration
}

// Persister couples the local snapshot cache with the remote row store:
// saves land locally first and reach the remote store as owned-row upserts,
// loads prefer the remote store and fall back to the cache when unreachable.
type Persister struct {
	cache       *Cache
	rows        RowStore
	localUserID string
	clock       func() time.Time
	logger      *zap.Logger
	gate        time.Duration

	mu              sync.Mutex
	lastRemoteFlush time.Time
}

func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Cache == nil {
		return nil, newServiceError(opPersisterNew, "missing_cache", errMissingCache)
	}
	if cfg.Rows == nil {
		return nil, newServiceError(opPersisterNew, "missing_row_store", errMissingRowStore)
	}
	if _, err := NewUserID(cfg.LocalUserID); err != nil {
		return nil, newServiceError(opPersisterNew, "missing_local_user_id", errMissingLocalID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	gate := cfg.RemoteWriteGate
	if gate <= 0 {
		gate = defaultRemoteWriteGate
	}

	return &Persister{
		cache:       cfg.Cache,
		rows:        cfg.Rows,
		localUserID: cfg.LocalUserID,
		clock:       clock,
		logger:      logger,
		gate:        gate,
	}, nil
}

// Load fetches the readable clubs from the remote row store. When the remote
// call fails the cached snapshot is returned instead, so a cold start without
// connectivity still surfaces last-known-good state.
func (p *Persister) Load(ctx context.Context) ([]Club, error) {
	rows, err := p.rows.ListRows(ctx)
	if err != nil {
		p.logError(opPersisterLoad, "remote_list_failed", err)
		cached, cacheErr := p.cache.LoadAll(ctx)
		if cacheErr != nil {
			return nil, newServiceError(opPersisterLoad, "cache_fallback_failed", cacheErr)
		}
		return cached, nil
	}

	loaded := make([]Club, 0, len(rows))
	for _, row := range rows {
		if !row.ReadableBy(p.localUserID) {
			continue
		}
		loaded = append(loaded, row.ToClub(p.localUserID))
	}
	return loaded, nil
}

// Save persists the clubs to the local cache and, outside the write gate,
// upserts the owned ones to the remote row store.
func (p *Persister) Save(ctx context.Context, clubsToSave []Club) error {
	if err := p.cache.SaveAll(ctx, clubsToSave); err != nil {
		return newServiceError(opPersisterSave, "cache_save_failed", err)
	}

	if !p.passGate() {
		return nil
	}
	return p.flushOwned(ctx, opPersisterSave, clubsToSave)
}

// Flush writes through to both stores ignoring the write gate. Used on
// shutdown so the final state is never stranded behind the gate.
func (p *Persister) Flush(ctx context.Context, clubsToSave []Club) error {
	if err := p.cache.SaveAll(ctx, clubsToSave); err != nil {
		return newServiceError(opPersisterFlush, "cache_save_failed", err)
	}
	return p.flushOwned(ctx, opPersisterFlush, clubsToSave)
}

func (p *Persister) passGate() bool {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastRemoteFlush.IsZero() && now.Sub(p.lastRemoteFlush) < p.gate {
		return false
	}
	p.lastRemoteFlush = now
	return true
}

func (p *Persister) flushOwned(ctx context.Context, operation string, clubsToSave []Club) error {
	var firstErr error
	for _, club := range clubsToSave {
		if !club.Access.IsOwner {
			continue
		}
		if err := p.rows.UpsertRow(ctx, RowFromClub(club)); err != nil {
			p.logError(operation, "remote_upsert_failed", err, zap.String("club_id", club.ID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return newServiceError(operation, "remote_upsert_failed", firstErr)
	}
	return nil
}

func (p *Persister) loggerOrDefault() *zap.Logger {
	if p == nil || p.logger == nil {
		return noOpLogger
	}
	return p.logger
}

func (p *Persister) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.loggerOrDefault().Error("club persister error", attrs...)
}
