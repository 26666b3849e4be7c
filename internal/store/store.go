// Package store defines the key-value persistence used by the registry,
// the activity journal and the preferences.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zangezia/backupdesk/pkg/models"
)

// Keys of the persisted blobs.
const (
	KeyServers    = "servers"
	KeyActivities = "activities"
	KeySettings   = "settings"
	KeyTheme      = "theme"
)

// Store is a get/set blob store. Get returns models.ErrNotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// LoadJSON decodes the value under key into v. A missing key leaves v untouched
// and reports found=false.
func LoadJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("could not read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("could not decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("could not write %s: %w", key, err)
	}
	return nil
}
