// Package apikey owns the YouTube API key for the process: a static value
// from configuration, optionally backed by a file that can be rotated and
// reloaded without restarting.
package apikey

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Keeper holds the current API key and knows how to re-read it from disk.
type Keeper struct {
	path string

	mu  sync.RWMutex
	key string
}

// New builds a Keeper seeded with the static key. When path is non-empty the
// file's contents take precedence and Reload/Watch keep it fresh.
func New(staticKey, path string) (*Keeper, error) {
	k := &Keeper{path: strings.TrimSpace(path), key: strings.TrimSpace(staticKey)}
	if k.path != "" {
		if _, err := k.Reload(); err != nil {
			return nil, err
		}
	}
	if k.key == "" {
		return nil, fmt.Errorf("apikey: no key configured")
	}
	return k, nil
}

// Current returns the active key. Safe for concurrent use; plugs into
// ytapi.Config.KeyProvider.
func (k *Keeper) Current() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// Reload re-reads the key file and swaps the active key. It reports whether
// the key changed.
func (k *Keeper) Reload() (bool, error) {
	if k.path == "" {
		return false, fmt.Errorf("apikey: key file not configured")
	}
	data, err := os.ReadFile(k.path)
	if err != nil {
		return false, fmt.Errorf("apikey: read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return false, fmt.Errorf("apikey: key file %s is empty", k.path)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == key {
		return false, nil
	}
	k.key = key
	return true, nil
}

// Path returns the configured key file path, empty when env-only.
func (k *Keeper) Path() string { return k.path }
