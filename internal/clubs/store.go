package clubs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const storeBufferSize = 16

// EventKind identifies the type of store mutation carried by an Event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event describes a single store mutation.
type Event struct {
	Kind   EventKind
	ClubID string
	Club   Club
}

type storeWatcher struct {
	events chan Event
}

// Store keeps the in-memory club state and fans out mutation events to
// watchers. It is the single source of truth the rest of the process reads.
type Store struct {
	mu         sync.RWMutex
	clubs      map[string]Club
	watchers   map[int64]*storeWatcher
	nextID     int64
	bufferSize int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		clubs:      make(map[string]Club),
		watchers:   make(map[int64]*storeWatcher),
		bufferSize: storeBufferSize,
	}
}

// Get returns the club with the given identifier.
func (s *Store) Get(clubID string) (Club, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	club, found := s.clubs[clubID]
	return club, found
}

// Set validates and upserts a club, normalizing its book list, and notifies
// watchers with a created or updated event.
func (s *Store) Set(club Club) (Club, error) {
	if _, err := NewClubID(club.ID); err != nil {
		return Club{}, err
	}
	club.Books = NormalizeBooks(club.Books)

	s.mu.Lock()
	_, existed := s.clubs[club.ID]
	s.clubs[club.ID] = club
	s.mu.Unlock()

	kind := EventCreated
	if existed {
		kind = EventUpdated
	}
	s.notify(Event{Kind: kind, ClubID: club.ID, Club: club})
	return club, nil
}

// Delete removes a club and reports whether it was present.
func (s *Store) Delete(clubID string) bool {
	s.mu.Lock()
	club, found := s.clubs[clubID]
	if found {
		delete(s.clubs, clubID)
	}
	s.mu.Unlock()

	if found {
		s.notify(Event{Kind: EventDeleted, ClubID: clubID, Club: club})
	}
	return found
}

// List returns the clubs the local user may read, ordered by creation time
// with identifier as tiebreaker.
func (s *Store) List() []Club {
	s.mu.RLock()
	listed := make([]Club, 0, len(s.clubs))
	for _, club := range s.clubs {
		if !club.Access.Readable() {
			continue
		}
		listed = append(listed, club)
	}
	s.mu.RUnlock()

	sort.Slice(listed, func(i, j int) bool {
		if listed[i].CreatedAt.Equal(listed[j].CreatedAt) {
			return listed[i].ID < listed[j].ID
		}
		return listed[i].CreatedAt.Before(listed[j].CreatedAt)
	})
	return listed
}

// Watch registers a mutation watcher bound to the provided context. The
// returned cancel function releases the watcher; it is also released when the
// context ends. Events are dropped for watchers that fall behind.
func (s *Store) Watch(ctx context.Context) (<-chan Event, func(), error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("clubs: watch context must not be nil")
	}

	watcher := &storeWatcher{events: make(chan Event, s.bufferSize)}

	s.mu.Lock()
	s.nextID++
	watcherID := s.nextID
	s.watchers[watcherID] = watcher
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, watcherID)
			s.mu.Unlock()
			close(watcher.events)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return watcher.events, cancel, nil
}

func (s *Store) notify(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, watcher := range s.watchers {
		select {
		case watcher.events <- event:
		default:
		}
	}
}
