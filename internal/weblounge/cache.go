package weblounge

import (
	"context"
	"hash/crc32"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// CacheCoordinator opens cache brackets around units of output.
type CacheCoordinator interface {
	// Begin looks tags up. On a hit the caller replays Entry and must not
	// render; on a miss it renders and then calls End exactly once.
	Begin(ctx context.Context, tags TagSet, valid, recheck time.Duration) (Bracket, error)
}

// Bracket is one open begin/end pair.
type Bracket interface {
	Key() string
	Hit() bool
	Entry() CacheEntry
	// AddTag attaches an invalidation tag to the entry being rendered.
	AddTag(name, value string)
	// End stores ent, or aborts the bracket when ent is nil, and releases
	// the key for other writers. Calls after the first are ignored.
	End(ent *CacheEntry)
}

// CacheOptions configures an OutputCache.
type CacheOptions struct {
	RAMMax int64
	// Disk enables the leveldb tier. An empty DiskPath keeps it in memory.
	Disk     bool
	DiskPath string
	DiskMax  int64
	Metrics  *Metrics
	Logger   logr.Logger
}

// lease marks a key as being rendered. tags, extra and dropped are guarded
// by OutputCache.mu.
type lease struct {
	done    chan struct{}
	tags    []Tag
	extra   []Tag
	dropped bool
}

// OutputCache is the tag keyed fragment cache. For a given tag set at most
// one bracket is open for writing at a time; other callers either wait for
// it or, when a soft stale copy exists, are served that copy.
type OutputCache struct {
	ram     *ramCache
	disk    *diskCache
	metrics *Metrics
	logger  logr.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*lease
}

func NewOutputCache(opts CacheOptions) (*OutputCache, error) {
	c := &OutputCache{
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
		inflight: map[string]*lease{},
	}
	var spill func(string, CacheEntry)
	if opts.Disk {
		disk, err := newDiskCache(opts.DiskPath, opts.DiskMax)
		if err != nil {
			return nil, err
		}
		c.disk = disk
		spill = disk.PutAsync
	}
	c.ram = newRAMCache(opts.RAMMax, spill, newRateLimitedLogger(opts.Logger, time.Minute))
	return c, nil
}

func (c *OutputCache) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.close()
}

// Begin implements CacheCoordinator. A non-positive valid disables caching
// for the bracket: it always misses and End stores nothing.
func (c *OutputCache) Begin(ctx context.Context, tags TagSet, valid, recheck time.Duration) (Bracket, error) {
	b := &cacheBracket{c: c, key: tags.Key(), tags: tags.Tags(), valid: valid}
	if valid <= 0 {
		c.metrics.cacheLookup("miss")
		return b, nil
	}

	waited := false
	for {
		c.mu.Lock()
		now := c.now()
		ent, found := c.lookupLocked(b.key, b.tags)
		if found && ent.age(now) >= valid {
			c.removeLocked(b.key)
			c.metrics.cacheInvalidated(1)
			found = false
		}
		if waited {
			if found {
				c.metrics.cacheWait("success")
			} else {
				c.metrics.cacheWait("fail")
			}
			waited = false
		}
		if found && (recheck <= 0 || ent.age(now) < recheck) {
			c.mu.Unlock()
			c.metrics.cacheLookup("hit")
			b.hit, b.entry = true, ent
			return b, nil
		}
		l, busy := c.inflight[b.key]
		if !busy {
			b.lease = &lease{done: make(chan struct{}), tags: b.tags}
			c.inflight[b.key] = b.lease
			c.mu.Unlock()
			if found {
				c.metrics.cacheLookup("stale")
			} else {
				c.metrics.cacheLookup("miss")
			}
			return b, nil
		}
		c.mu.Unlock()

		if found {
			// soft stale and already being revalidated
			c.metrics.cacheLookup("hit")
			b.hit, b.entry = true, ent
			return b, nil
		}

		select {
		case <-l.done:
			waited = true
		case <-ctx.Done():
			c.metrics.cacheWait("timeout")
			return nil, ctx.Err()
		}
	}
}

func (c *OutputCache) lookupLocked(key string, tags []Tag) (CacheEntry, bool) {
	if ent, ok := c.ram.Get(key); ok {
		return ent, equalTags(ent.Tags, tags)
	}
	if c.disk == nil {
		return CacheEntry{}, false
	}
	ent, ok := c.disk.Get(key)
	if !ok || !equalTags(ent.Tags, tags) {
		return CacheEntry{}, false
	}
	c.ram.Put(key, ent)
	return ent, true
}

func (c *OutputCache) removeLocked(key string) {
	c.ram.Delete(key)
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

func (c *OutputCache) store(key string, ent CacheEntry) {
	c.ram.Put(key, ent)
	if c.disk != nil {
		c.disk.PutAsync(key, ent)
	}
}

// Invalidate removes every entry whose tags contain all of tags and returns
// how many were removed. An empty tags empties the cache.
func (c *OutputCache) Invalidate(tags []Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := map[string]struct{}{}
	for _, k := range c.ram.Match(tags) {
		c.ram.Delete(k)
		removed[k] = struct{}{}
	}
	// output still being rendered under matching tags must not be stored
	for _, l := range c.inflight {
		if !l.dropped && containsAll(append(append([]Tag(nil), l.tags...), l.extra...), tags) {
			l.dropped = true
		}
	}
	if c.disk != nil {
		c.disk.Sync()
		for _, k := range c.disk.Match(tags) {
			c.disk.Delete(k)
			removed[k] = struct{}{}
		}
		c.disk.Sync()
	}
	c.metrics.cacheInvalidated(len(removed))
	if len(removed) > 0 {
		c.logger.V(DEBUG).Info("Invalidated cache entries", "tags", tags, "count", len(removed))
	}
	return len(removed)
}

// Clear empties both tiers.
func (c *OutputCache) Clear() int { return c.Invalidate(nil) }

// CacheStats is a point in time view of the cache.
type CacheStats struct {
	Entries   int   `json:"entries"`
	RAMBytes  int64 `json:"ramBytes"`
	DiskBytes int64 `json:"diskBytes"`
	InFlight  int   `json:"inFlight"`
}

func (c *OutputCache) Stats() CacheStats {
	st := CacheStats{RAMBytes: c.ram.Bytes()}
	ramKeys := c.ram.Keys()
	st.Entries = len(ramKeys)
	if c.disk != nil {
		st.DiskBytes = c.disk.TotalSize()
		intersect := 0
		for _, k := range ramKeys {
			if c.disk.HasKey(k) {
				intersect++
			}
		}
		st.Entries += c.disk.KeyCount() - intersect
	}
	c.mu.Lock()
	st.InFlight = len(c.inflight)
	c.mu.Unlock()
	c.metrics.setCacheEntries(st.Entries)
	return st
}

type cacheBracket struct {
	c      *OutputCache
	key    string
	tags   []Tag
	extra  []Tag
	valid  time.Duration
	hit    bool
	entry  CacheEntry
	lease  *lease
	closed bool
}

func (b *cacheBracket) Key() string       { return b.key }
func (b *cacheBracket) Hit() bool         { return b.hit }
func (b *cacheBracket) Entry() CacheEntry { return b.entry }

func (b *cacheBracket) AddTag(name, value string) {
	t := Tag{Name: name, Value: value}
	b.extra = append(b.extra, t)
	if b.lease != nil {
		b.c.mu.Lock()
		b.lease.extra = append(b.lease.extra, t)
		b.c.mu.Unlock()
	}
}

func (b *cacheBracket) End(ent *CacheEntry) {
	if b.closed || b.hit {
		return
	}
	b.closed = true
	c := b.c

	// Invalidate marks leases under c.mu too
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ent == nil:
		c.metrics.cacheTransaction("abort")
	case b.valid <= 0:
		c.metrics.cacheTransaction("skip")
	case b.lease != nil && b.lease.dropped:
		c.metrics.cacheTransaction("abort")
		c.logger.V(DEBUG).Info("Discarded output invalidated while rendering", "key", b.key)
	default:
		stored := *ent
		stored.StoredAt = c.now().UnixNano()
		stored.Tags = b.tags
		stored.Extra = append(append([]Tag(nil), stored.Extra...), b.extra...)
		stored.Hash32 = crc32.ChecksumIEEE(stored.Body)
		c.store(b.key, stored)
		c.metrics.cacheTransaction("complete")
	}

	if b.lease != nil {
		if c.inflight[b.key] == b.lease {
			delete(c.inflight, b.key)
		}
		close(b.lease.done)
	}
}
