// Package prefs persists the user settings and UI theme.
package prefs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zangezia/backupdesk/internal/store"
	"github.com/zangezia/backupdesk/pkg/models"
)

// Themes
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// Intervals accepted for Settings.BackupInterval.
var intervals = []string{"hourly", "daily", "weekly", "monthly"}

// DefaultSettings returns the settings used until the user saves their own.
func DefaultSettings() models.Settings {
	return models.Settings{BackupInterval: "daily", MaxBackups: 7}
}

// Prefs is the preferences store
type Prefs struct {
	store store.Store
	mu    sync.Mutex
}

// New creates preferences backed by st.
func New(st store.Store) *Prefs {
	return &Prefs{store: st}
}

// Settings returns the saved settings or the defaults.
func (p *Prefs) Settings(ctx context.Context) (models.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := DefaultSettings()
	if _, err := store.LoadJSON(ctx, p.store, store.KeySettings, &s); err != nil {
		return DefaultSettings(), err
	}
	return s, nil
}

// SaveSettings validates and persists s.
func (p *Prefs) SaveSettings(ctx context.Context, s models.Settings) (models.Settings, error) {
	s.BackupInterval = strings.ToLower(strings.TrimSpace(s.BackupInterval))
	if !contains(intervals, s.BackupInterval) {
		return models.Settings{}, fmt.Errorf("backup interval %q: %w", s.BackupInterval, models.ErrNotValid)
	}
	if s.MaxBackups < 1 {
		return models.Settings{}, fmt.Errorf("max backups must be at least 1: %w", models.ErrNotValid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := store.SaveJSON(ctx, p.store, store.KeySettings, s); err != nil {
		return models.Settings{}, err
	}
	return s, nil
}

// Theme returns the saved theme, light by default.
func (p *Prefs) Theme(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	theme := ThemeLight
	if _, err := store.LoadJSON(ctx, p.store, store.KeyTheme, &theme); err != nil {
		return ThemeLight, err
	}
	if theme != ThemeDark {
		theme = ThemeLight
	}
	return theme, nil
}

// SetTheme persists theme, which must be light or dark.
func (p *Prefs) SetTheme(ctx context.Context, theme string) error {
	if theme != ThemeLight && theme != ThemeDark {
		return fmt.Errorf("theme %q: %w", theme, models.ErrNotValid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return store.SaveJSON(ctx, p.store, store.KeyTheme, theme)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
