package clubs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openCacheDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:readcircle_cache_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ClubRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(CacheConfig{
		Database: openCacheDatabase(t),
		Clock:    func() time.Time { return time.Unix(1760000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cache
}

func TestNewCacheRequiresDatabase(t *testing.T) {
	_, err := NewCache(CacheConfig{})
	if err == nil {
		t.Fatalf("expected error for missing database")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "clubs.cache.new.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestCacheSaveAllAndLoadAllRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	createdAt := time.Date(2026, time.February, 10, 8, 30, 0, 0, time.UTC)

	saved := []Club{
		{
			ID:               "club-1",
			Name:             "Thursday Circle",
			Books:            []string{"dune", "solaris"},
			CurrentSelection: "dune",
			CreatedAt:        createdAt,
			UpdatedAt:        createdAt.Add(time.Minute),
			OwnerID:          "user-1",
			Access:           AccessFlags{IsOwner: true},
		},
		{
			ID:        "club-2",
			Name:      "Borrowed Shelf",
			CreatedAt: createdAt.Add(time.Hour),
			UpdatedAt: createdAt.Add(time.Hour),
			OwnerID:   "user-2",
			Access:    AccessFlags{IsShared: true},
		},
	}
	if err := cache.SaveAll(context.Background(), saved); err != nil {
		t.Fatalf("save all: %v", err)
	}

	loaded, err := cache.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 cached clubs, got %d", len(loaded))
	}
	if loaded[0].ID != "club-1" || loaded[1].ID != "club-2" {
		t.Fatalf("unexpected order: %q then %q", loaded[0].ID, loaded[1].ID)
	}
	if !reflect.DeepEqual(loaded[0].Books, []string{"dune", "solaris"}) {
		t.Fatalf("books did not round-trip: %v", loaded[0].Books)
	}
	if !loaded[0].Access.IsOwner || !loaded[1].Access.IsShared {
		t.Fatalf("access flags did not round-trip: %+v, %+v", loaded[0].Access, loaded[1].Access)
	}
	if !loaded[0].UpdatedAt.Equal(createdAt.Add(time.Minute)) {
		t.Fatalf("updated_at did not round-trip: %v", loaded[0].UpdatedAt)
	}
}

func TestCacheSaveAllPrunesMissingClubs(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	initial := []Club{
		{ID: "club-1", OwnerID: "user-1", Access: AccessFlags{IsOwner: true}},
		{ID: "club-2", OwnerID: "user-1", Access: AccessFlags{IsOwner: true}},
	}
	if err := cache.SaveAll(ctx, initial); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	if err := cache.SaveAll(ctx, initial[:1]); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := cache.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "club-1" {
		t.Fatalf("expected only club-1 to remain, got %+v", loaded)
	}

	if err := cache.SaveAll(ctx, nil); err != nil {
		t.Fatalf("empty save: %v", err)
	}
	loaded, err = cache.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load after empty save: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty cache, got %d clubs", len(loaded))
	}
}

func TestCacheSaveAllUpdatesExistingRecords(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	first := Club{ID: "club-1", Name: "Before", OwnerID: "user-1", Access: AccessFlags{IsOwner: true}}
	if err := cache.SaveAll(ctx, []Club{first}); err != nil {
		t.Fatalf("first save: %v", err)
	}

	first.Name = "After"
	first.Books = []string{"dune"}
	if err := cache.SaveAll(ctx, []Club{first}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := cache.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 cached club, got %d", len(loaded))
	}
	if loaded[0].Name != "After" || !reflect.DeepEqual(loaded[0].Books, []string{"dune"}) {
		t.Fatalf("record not updated: %+v", loaded[0])
	}
}
