// Package stats persists computed framework usage. The Updater is the only
// writer of usage records.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/store"
)

// Store is the storage the Updater reads and writes.
type Store interface {
	store.UsageReader
	store.UsageWriter
}

// Updater applies computed counts to a user's usage record.
//
//   - No record yet: the record is created, even when counts is empty.
//   - Existing record and non-empty counts: frameworks and last-updated
//     are overwritten.
//   - Existing record and empty counts: the record is left untouched, so a
//     run that found nothing does not erase earlier results.
type Updater struct {
	store  Store
	events *pubsub.Broker[store.FrameworkUsage]
	logger *slog.Logger
	now    func() time.Time
	locks  keyedMutex
}

// NewUpdater creates an Updater. events may be nil.
func NewUpdater(s Store, events *pubsub.Broker[store.FrameworkUsage], logger *slog.Logger) *Updater {
	return &Updater{
		store:  s,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Update writes counts for userID and reports what happened to the record.
// Writes for the same user are serialized.
func (u *Updater) Update(ctx context.Context, userID string, counts map[string]int) (pubsub.EventType, error) {
	unlock := u.locks.lock(userID)
	defer unlock()

	existing, err := u.store.GetFrameworkUsage(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return "", fmt.Errorf("reading usage for %s: %w", userID, err)
	}

	if existing != nil && len(counts) == 0 {
		u.logger.Info("empty result, keeping existing stats",
			"user_id", userID, "last_updated", existing.LastUpdated)
		u.events.Publish(pubsub.Retained, *existing)
		return pubsub.Retained, nil
	}

	usage := &store.FrameworkUsage{
		UserID:      userID,
		Frameworks:  maps.Clone(counts),
		LastUpdated: u.now().UTC(),
	}
	if usage.Frameworks == nil {
		usage.Frameworks = map[string]int{}
	}
	if err := u.store.UpsertFrameworkUsage(ctx, usage); err != nil {
		return "", fmt.Errorf("writing usage for %s: %w", userID, err)
	}

	event := pubsub.Updated
	if existing == nil {
		event = pubsub.Created
	}
	u.logger.Info("stats saved", "user_id", userID, "event", event, "frameworks", len(usage.Frameworks))
	u.events.Publish(event, *usage)
	return event, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
