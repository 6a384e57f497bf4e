package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*Updater, *store.DB, string) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := db.CreateUser(context.Background(), "octocat", "")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return NewUpdater(db, nil, testLogger()), db, u.ID
}

func TestUpdateCreatesRecordEvenWhenEmpty(t *testing.T) {
	up, db, id := setup(t)
	ctx := context.Background()

	event, err := up.Update(ctx, id, map[string]int{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if event != pubsub.Created {
		t.Errorf("expected created, got %s", event)
	}

	got, err := db.GetFrameworkUsage(ctx, id)
	if err != nil {
		t.Fatalf("expected record to exist: %v", err)
	}
	if len(got.Frameworks) != 0 {
		t.Errorf("expected empty frameworks, got %v", got.Frameworks)
	}
}

func TestUpdateOverwritesExisting(t *testing.T) {
	up, db, id := setup(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	up.now = func() time.Time { return first }
	up.Update(ctx, id, map[string]int{"React": 2, "Django": 1})

	second := first.Add(8 * time.Hour)
	up.now = func() time.Time { return second }
	event, err := up.Update(ctx, id, map[string]int{"Vue": 4})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if event != pubsub.Updated {
		t.Errorf("expected updated, got %s", event)
	}

	got, _ := db.GetFrameworkUsage(ctx, id)
	if len(got.Frameworks) != 1 || got.Frameworks["Vue"] != 4 {
		t.Errorf("expected frameworks replaced by {Vue:4}, got %v", got.Frameworks)
	}
	if !got.LastUpdated.Equal(second) {
		t.Errorf("expected last_updated %v, got %v", second, got.LastUpdated)
	}
}

func TestUpdateEmptyResultKeepsExisting(t *testing.T) {
	up, db, id := setup(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	up.now = func() time.Time { return first }
	up.Update(ctx, id, map[string]int{"React": 2})

	up.now = func() time.Time { return first.Add(time.Hour) }
	event, err := up.Update(ctx, id, nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if event != pubsub.Retained {
		t.Errorf("expected retained, got %s", event)
	}

	got, _ := db.GetFrameworkUsage(ctx, id)
	if got.Frameworks["React"] != 2 || !got.LastUpdated.Equal(first) {
		t.Errorf("expected record untouched, got %+v", got)
	}
}

func TestUpdatePublishesEvents(t *testing.T) {
	up, _, id := setup(t)
	events := pubsub.NewBroker[store.FrameworkUsage]()
	up.events = events

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := events.Subscribe(ctx)

	up.Update(ctx, id, map[string]int{"React": 1})
	up.Update(ctx, id, map[string]int{"React": 3})
	up.Update(ctx, id, nil)

	want := []pubsub.EventType{pubsub.Created, pubsub.Updated, pubsub.Retained}
	for _, w := range want {
		select {
		case evt := <-ch:
			if evt.Type != w {
				t.Errorf("expected %s, got %s", w, evt.Type)
			}
			if evt.Payload.UserID != id {
				t.Errorf("expected payload for %s, got %s", id, evt.Payload.UserID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

// overlapStore records whether two calls for the same user ever overlap.
type overlapStore struct {
	mu       sync.Mutex
	records  map[string]*store.FrameworkUsage
	active   atomic.Int32
	overlaps atomic.Int32
}

func (s *overlapStore) enter() {
	if s.active.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
}

func (s *overlapStore) GetFrameworkUsage(_ context.Context, userID string) (*store.FrameworkUsage, error) {
	s.enter()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *overlapStore) UpsertFrameworkUsage(_ context.Context, u *store.FrameworkUsage) error {
	s.mu.Lock()
	s.records[u.UserID] = u
	s.mu.Unlock()
	s.active.Add(-1)
	return nil
}

func TestUpdateSerializesPerUser(t *testing.T) {
	s := &overlapStore{records: make(map[string]*store.FrameworkUsage)}
	up := NewUpdater(s, nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			up.Update(context.Background(), "u1", map[string]int{"React": i + 1})
		}(i)
	}
	wg.Wait()

	if n := s.overlaps.Load(); n != 0 {
		t.Errorf("expected serialized read-modify-write, saw %d overlaps", n)
	}
	if len(up.locks.locks) != 0 {
		t.Errorf("expected lock table to be empty after use, got %d", len(up.locks.locks))
	}
}

type failingStore struct{}

func (failingStore) GetFrameworkUsage(context.Context, string) (*store.FrameworkUsage, error) {
	return nil, errors.New("disk I/O error")
}

func (failingStore) UpsertFrameworkUsage(context.Context, *store.FrameworkUsage) error {
	return nil
}

func TestUpdateReadErrorIsReturned(t *testing.T) {
	up := NewUpdater(failingStore{}, nil, testLogger())
	if _, err := up.Update(context.Background(), "u1", map[string]int{"React": 1}); err == nil {
		t.Error("expected read error to be returned")
	}
}
