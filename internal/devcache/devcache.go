// Package devcache persists discovery results to a single JSON file so a
// restart can answer device queries before the first sweep completes.
package devcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/domain"
)

// snapshot is the on-disk format. Timestamp is epoch milliseconds of the
// sweep that produced the devices.
type snapshot struct {
	Devices   []domain.Device `json:"devices"`
	Timestamp int64           `json:"timestamp"`
}

// Cache reads and writes one JSON snapshot file. All methods are safe for
// concurrent use.
type Cache struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func New(path string, logger zerolog.Logger) *Cache {
	return &Cache{path: path, logger: logger, now: time.Now}
}

// Path returns the snapshot file location.
func (c *Cache) Path() string { return c.path }

// Save atomically replaces the snapshot with the given devices, stamped
// with the current time. The parent directory is created if missing.
func (c *Cache) Save(devices []domain.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := snapshot{
		Devices:   devices,
		Timestamp: c.now().UnixMilli(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write device cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace device cache: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing or corrupt file is not an error: the
// cache simply starts empty, and corruption is logged once.
func (c *Cache) Load() ([]domain.Device, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("path", c.path).Msg("device cache unreadable")
		}
		return nil, time.Time{}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("device cache corrupt, ignoring")
		return nil, time.Time{}
	}
	return snap.Devices, time.UnixMilli(snap.Timestamp)
}

// IsFresh reports whether a snapshot taken at stamp is still within ttl.
// A zero stamp (no snapshot) is never fresh; a zero ttl disables caching.
func (c *Cache) IsFresh(stamp time.Time, ttl time.Duration) bool {
	if stamp.IsZero() || ttl <= 0 {
		return false
	}
	return c.now().Sub(stamp) < ttl
}
