package store

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Sealed wraps a Store and encrypts the values of the selected keys with age.
// Keys not listed pass through unchanged.
type Sealed struct {
	inner     Store
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	keys      map[string]bool
}

// NewSealed returns a Store that seals the given keys for identity.
func NewSealed(inner Store, identity *age.X25519Identity, keys ...string) *Sealed {
	sealed := make(map[string]bool, len(keys))
	for _, k := range keys {
		sealed[k] = true
	}
	return &Sealed{
		inner:     inner,
		identity:  identity,
		recipient: identity.Recipient(),
		keys:      sealed,
	}
}

// LoadIdentity reads the first X25519 identity from an age identity file.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open identity file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("could not parse identity: %w", err)
		}
		return id, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("could not read identity file: %w", err)
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// Get returns the decrypted value under key.
func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err != nil || !s.keys[key] {
		return data, err
	}

	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt %s: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt %s: %w", key, err)
	}
	return plain, nil
}

// Set encrypts value when key is sealed and stores it.
func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	if !s.keys[key] {
		return s.inner.Set(ctx, key, value)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("could not encrypt %s: %w", key, err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("could not encrypt %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("could not encrypt %s: %w", key, err)
	}
	return s.inner.Set(ctx, key, buf.Bytes())
}
