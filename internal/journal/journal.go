// Package journal keeps the bounded, most-recent-first activity log.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zangezia/backupdesk/internal/store"
	"github.com/zangezia/backupdesk/pkg/models"
)

// MaxEntries is the number of activity entries retained.
const MaxEntries = 10

// Journal is the persisted activity journal
type Journal struct {
	store store.Store

	mu       sync.Mutex
	entries  []models.ActivityEntry
	onChange func([]models.ActivityEntry)
	now      func() time.Time
}

// New loads the persisted journal from st.
func New(ctx context.Context, st store.Store) (*Journal, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	var entries []models.ActivityEntry
	if _, err := store.LoadJSON(ctx, st, store.KeyActivities, &entries); err != nil {
		return nil, fmt.Errorf("could not load activities: %w", err)
	}
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	return &Journal{store: st, entries: entries, now: time.Now}, nil
}

// OnChange registers fn to be called with the journal after each record.
func (j *Journal) OnChange(fn func([]models.ActivityEntry)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onChange = fn
}

// Record prepends a new entry, truncates to MaxEntries and persists.
func (j *Journal) Record(ctx context.Context, message string) (models.ActivityEntry, error) {
	entry := models.ActivityEntry{
		ID:        ulid.Make().String(),
		Message:   message,
		Timestamp: j.now().UTC(),
	}

	j.mu.Lock()
	next := make([]models.ActivityEntry, 0, MaxEntries)
	next = append(next, entry)
	next = append(next, j.entries...)
	if len(next) > MaxEntries {
		next = next[:MaxEntries]
	}

	if err := store.SaveJSON(ctx, j.store, store.KeyActivities, next); err != nil {
		j.mu.Unlock()
		return models.ActivityEntry{}, fmt.Errorf("could not persist activity: %w", err)
	}
	j.entries = next
	onChange := j.onChange
	snapshot := append([]models.ActivityEntry(nil), next...)
	j.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	return entry, nil
}

// Recent returns up to n entries, most recent first. n <= 0 returns all.
func (j *Journal) Recent(n int) []models.ActivityEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	return append([]models.ActivityEntry(nil), j.entries[:n]...)
}
