package iwabundle

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meigma/iwabundle/bundle"
)

// DefaultEvictionInterval is how long a ready reader may stay idle before a
// sweep closes it. It is also the sweep period.
const DefaultEvictionInterval = 10 * time.Minute

type entryState uint8

const (
	statePending entryState = iota
	stateReady
)

func (s entryState) String() string {
	if s == stateReady {
		return "ready"
	}
	return "pending"
}

type pendingRequest struct {
	req  bundle.Request
	done func(*Response, error)
}

// cacheEntry owns one reader. id identifies this particular reader so that
// handles taken from an evicted entry never match its replacement.
type cacheEntry struct {
	id         uint64
	reader     BundleReader
	state      entryState
	pending    []pendingRequest
	lastAccess time.Time
}

// drain empties the pending queue and returns what it held. Requests queued
// afterwards start a fresh queue.
func (e *cacheEntry) drain() []pendingRequest {
	queued := e.pending
	e.pending = nil
	return queued
}

// EntryInfo describes one cached bundle reader.
type EntryInfo struct {
	Path       string
	Ready      bool
	LastAccess time.Time
}

// readerCache maps bundle paths to entries and sweeps idle ready entries.
// It is owned by the registry goroutine.
type readerCache struct {
	entries  map[string]*cacheEntry
	clock    clockwork.Clock
	interval time.Duration
	ticker   clockwork.Ticker
	logger   *slog.Logger
}

func newReaderCache(clock clockwork.Clock, interval time.Duration, logger *slog.Logger) *readerCache {
	return &readerCache{
		entries:  make(map[string]*cacheEntry),
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

func (c *readerCache) find(path string) *cacheEntry {
	return c.entries[path]
}

// emplace inserts e unless path already has an entry, in which case the
// existing entry is returned with inserted set to false.
func (c *readerCache) emplace(path string, e *cacheEntry) (entry *cacheEntry, inserted bool) {
	if existing, ok := c.entries[path]; ok {
		return existing, false
	}
	c.entries[path] = e
	if c.ticker == nil {
		c.ticker = c.clock.NewTicker(c.interval)
	}
	c.logger.Debug("reader cached", "path", path, "entries", len(c.entries))
	return e, true
}

// erase removes the entry for path if it is still the one identified by id
// and closes its reader.
func (c *readerCache) erase(path string, id uint64) {
	e, ok := c.entries[path]
	if !ok || e.id != id {
		return
	}
	delete(c.entries, path)
	c.release(path, e)
	c.stopIfEmpty()
}

// tick returns the sweep channel, or nil while the cache is empty.
func (c *readerCache) tick() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.Chan()
}

// sweep evicts every ready entry idle for longer than the interval and
// returns how many were evicted. Pending entries are never evicted.
func (c *readerCache) sweep(now time.Time) int {
	evicted := 0
	for path, e := range c.entries {
		if e.state != stateReady || now.Sub(e.lastAccess) <= c.interval {
			continue
		}
		delete(c.entries, path)
		c.release(path, e)
		evicted++
	}
	if evicted > 0 {
		c.logger.Debug("cache swept", "evicted", evicted, "entries", len(c.entries))
	}
	c.stopIfEmpty()
	return evicted
}

// closeAll removes every entry and returns them; their readers are closed.
func (c *readerCache) closeAll() []*cacheEntry {
	all := make([]*cacheEntry, 0, len(c.entries))
	for _, path := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[path]
		delete(c.entries, path)
		c.release(path, e)
		all = append(all, e)
	}
	c.stopIfEmpty()
	return all
}

func (c *readerCache) snapshot() []EntryInfo {
	infos := make([]EntryInfo, 0, len(c.entries))
	for _, path := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[path]
		infos = append(infos, EntryInfo{
			Path:       path,
			Ready:      e.state == stateReady,
			LastAccess: e.lastAccess,
		})
	}
	return infos
}

func (c *readerCache) release(path string, e *cacheEntry) {
	if err := e.reader.Close(); err != nil {
		c.logger.Warn("closing bundle reader failed", "path", path, "error", err)
	}
	c.logger.Debug("reader released", "path", path, "state", e.state)
}

func (c *readerCache) stopIfEmpty() {
	if len(c.entries) == 0 && c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}
