// Package registry keeps the persisted collection of backup targets.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/internal/store"
	"github.com/zangezia/backupdesk/pkg/models"
)

// Prober checks connectivity of a target through the backup service.
type Prober interface {
	TestConnection(ctx context.Context, address string, credentials json.RawMessage) (network.Result, error)
}

// Registry holds all backup targets and persists every mutation.
type Registry struct {
	store  store.Store
	prober Prober

	mu       sync.RWMutex
	targets  []models.Target
	onChange func([]models.Target)
	now      func() time.Time
}

// New loads the persisted targets from st.
func New(ctx context.Context, st store.Store, prober Prober) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	var targets []models.Target
	if _, err := store.LoadJSON(ctx, st, store.KeyServers, &targets); err != nil {
		return nil, fmt.Errorf("could not load servers: %w", err)
	}

	return &Registry{
		store:   st,
		prober:  prober,
		targets: targets,
		now:     time.Now,
	}, nil
}

// OnChange registers fn to be called with a copy of the collection after each mutation.
func (r *Registry) OnChange(fn func([]models.Target)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// List returns a copy of all targets in insertion order.
func (r *Registry) List() []models.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneTargets(r.targets)
}

// Get returns the target with the given id.
func (r *Registry) Get(id string) (models.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.Target{}, fmt.Errorf("server %s: %w", id, models.ErrNotFound)
	}
	return cloneTarget(r.targets[i]), nil
}

// Add validates t, assigns it a fresh id and appends it.
func (r *Registry) Add(ctx context.Context, t models.Target) (models.Target, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Address = strings.TrimSpace(t.Address)
	t.Paths = cleanPaths(t.Paths)

	if t.Name == "" {
		return models.Target{}, fmt.Errorf("server name is required: %w", models.ErrNotValid)
	}
	if t.Address == "" {
		return models.Target{}, fmt.Errorf("server address is required: %w", models.ErrNotValid)
	}
	if len(t.Paths) == 0 {
		return models.Target{}, fmt.Errorf("at least one backup path is required: %w", models.ErrNotValid)
	}

	t.ID = ulid.Make().String()
	t.CreatedAt = r.now().UTC()
	t.Status = models.StatusOffline
	t.LastBackup = nil

	err := r.mutate(ctx, func(targets []models.Target) ([]models.Target, error) {
		return append(targets, t), nil
	})
	if err != nil {
		return models.Target{}, err
	}

	log.Info().Str("id", t.ID).Str("server", t.Name).Msg("Server added")
	return cloneTarget(t), nil
}

// Remove deletes the target with the given id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	err := r.mutate(ctx, func(targets []models.Target) ([]models.Target, error) {
		i := indexOf(targets, id)
		if i < 0 {
			return nil, fmt.Errorf("server %s: %w", id, models.ErrNotFound)
		}
		return append(targets[:i], targets[i+1:]...), nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("id", id).Msg("Server removed")
	return nil
}

// UpdateStatus sets the cached connectivity status of a target.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status models.TargetStatus) error {
	if status != models.StatusOnline && status != models.StatusOffline {
		return fmt.Errorf("unknown status %q: %w", status, models.ErrNotValid)
	}

	return r.mutate(ctx, func(targets []models.Target) ([]models.Target, error) {
		i := indexOf(targets, id)
		if i < 0 {
			return nil, fmt.Errorf("server %s: %w", id, models.ErrNotFound)
		}
		targets[i].Status = status
		return targets, nil
	})
}

// RecordBackupCompleted stores ts as the last successful backup of a target.
func (r *Registry) RecordBackupCompleted(ctx context.Context, id string, ts time.Time) error {
	ts = ts.UTC()
	return r.mutate(ctx, func(targets []models.Target) ([]models.Target, error) {
		i := indexOf(targets, id)
		if i < 0 {
			return nil, fmt.Errorf("server %s: %w", id, models.ErrNotFound)
		}
		targets[i].LastBackup = &ts
		return targets, nil
	})
}

// TestConnection probes the target and caches the outcome as its status.
// Transport errors and explicit failures both mark the target offline.
// Concurrent calls for the same id race on the status; the last write wins.
func (r *Registry) TestConnection(ctx context.Context, id string) (network.Result, error) {
	t, err := r.Get(id)
	if err != nil {
		return network.Result{}, err
	}
	if r.prober == nil {
		return network.Result{}, fmt.Errorf("no connectivity prober configured")
	}

	res, probeErr := r.prober.TestConnection(ctx, t.Address, t.Credentials)
	if probeErr != nil {
		log.Warn().Err(probeErr).Str("server", t.Name).Msg("Connection test failed")
		res = network.Result{Success: false, Error: network.NetworkErrorMessage}
	}

	status := models.StatusOffline
	if res.Success {
		status = models.StatusOnline
	}
	if err := r.UpdateStatus(ctx, id, status); err != nil {
		return res, err
	}

	log.Debug().Str("server", t.Name).Str("status", string(status)).Msg("Connection tested")
	return res, nil
}

// mutate applies fn to a copy of the collection, persists the result and only
// then makes it current.
func (r *Registry) mutate(ctx context.Context, fn func([]models.Target) ([]models.Target, error)) error {
	r.mu.Lock()
	next, err := fn(cloneTargets(r.targets))
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := store.SaveJSON(ctx, r.store, store.KeyServers, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("could not persist servers: %w", err)
	}
	r.targets = next
	onChange := r.onChange
	snapshot := cloneTargets(next)
	r.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	return nil
}

func (r *Registry) indexOf(id string) int { return indexOf(r.targets, id) }

func indexOf(targets []models.Target, id string) int {
	for i := range targets {
		if targets[i].ID == id {
			return i
		}
	}
	return -1
}

func cleanPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func cloneTargets(in []models.Target) []models.Target {
	out := make([]models.Target, len(in))
	for i := range in {
		out[i] = cloneTarget(in[i])
	}
	return out
}

func cloneTarget(t models.Target) models.Target {
	t.Paths = append([]string(nil), t.Paths...)
	if t.Credentials != nil {
		t.Credentials = append(json.RawMessage(nil), t.Credentials...)
	}
	if t.LastBackup != nil {
		lb := *t.LastBackup
		t.LastBackup = &lb
	}
	return t
}
