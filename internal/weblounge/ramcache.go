package weblounge

import (
	"container/list"
	"sync"
)

type ramEntry struct {
	key  string
	ent  CacheEntry
	size int64
}

// ramCache holds entries in memory up to a byte budget. The least recently
// used entries are handed to spill when the budget is exceeded. Every tag of
// an entry, key tags and added ones alike, is indexed so that invalidation
// does not scan the whole tier.
type ramCache struct {
	maxBytes int64
	spill    func(key string, ent CacheEntry)
	overflow *rateLimitedLogger

	mu    sync.Mutex
	lru   *list.List
	byKey map[string]*list.Element
	byTag map[Tag]map[string]struct{}
	bytes int64
}

func newRAMCache(maxBytes int64, spill func(string, CacheEntry), overflow *rateLimitedLogger) *ramCache {
	return &ramCache{
		maxBytes: maxBytes,
		spill:    spill,
		overflow: overflow,
		lru:      list.New(),
		byKey:    map[string]*list.Element{},
		byTag:    map[Tag]map[string]struct{}{},
	}
}

// entrySize approximates the memory held by ent.
func entrySize(ent CacheEntry) int64 {
	n := int64(len(ent.Body)) + 64
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	for _, t := range ent.Tags {
		n += int64(len(t.Name) + len(t.Value))
	}
	for _, t := range ent.Extra {
		n += int64(len(t.Name) + len(t.Value))
	}
	return n
}

func allTags(ent CacheEntry) []Tag {
	out := make([]Tag, 0, len(ent.Tags)+len(ent.Extra))
	out = append(out, ent.Tags...)
	return append(out, ent.Extra...)
}

func (c *ramCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*ramEntry).ent, true
}

// Put stores ent under key. An entry larger than the whole budget goes
// straight to spill.
func (c *ramCache) Put(key string, ent CacheEntry) {
	size := entrySize(ent)
	if c.maxBytes > 0 && size > c.maxBytes {
		c.Delete(key)
		if c.spill != nil {
			c.spill(key, ent)
		}
		return
	}

	c.mu.Lock()
	if el, ok := c.byKey[key]; ok {
		c.unlinkLocked(el)
	}
	el := c.lru.PushFront(&ramEntry{key: key, ent: ent, size: size})
	c.byKey[key] = el
	c.bytes += size
	for _, t := range allTags(ent) {
		keys := c.byTag[t]
		if keys == nil {
			keys = map[string]struct{}{}
			c.byTag[t] = keys
		}
		keys[key] = struct{}{}
	}
	var evicted []*ramEntry
	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		last := c.lru.Back()
		if last == el {
			break
		}
		evicted = append(evicted, c.unlinkLocked(last))
	}
	used := c.bytes
	c.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	if c.overflow != nil {
		c.overflow.Info("RAM cache full, moving entries out", "evicted", len(evicted), "bytes", formatBytes(uint64(used)))
	}
	if c.spill != nil {
		for _, e := range evicted {
			c.spill(e.key, e.ent)
		}
	}
}

func (c *ramCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if ok {
		c.unlinkLocked(el)
	}
	return ok
}

// Match returns the keys of the entries carrying every tag of tags, or all
// keys when tags is empty.
func (c *ramCache) Match(tags []Tag) []string {
	if len(tags) == 0 {
		return c.Keys()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var smallest map[string]struct{}
	for _, t := range tags {
		keys := c.byTag[t]
		if len(keys) == 0 {
			return nil
		}
		if smallest == nil || len(keys) < len(smallest) {
			smallest = keys
		}
	}
	var out []string
	for k := range smallest {
		if containsAll(allTags(c.byKey[k].Value.(*ramEntry).ent), tags) {
			out = append(out, k)
		}
	}
	return out
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.byKey = map[string]*list.Element{}
	c.byTag = map[Tag]map[string]struct{}{}
	c.bytes = 0
}

func (c *ramCache) unlinkLocked(el *list.Element) *ramEntry {
	e := c.lru.Remove(el).(*ramEntry)
	delete(c.byKey, e.key)
	c.bytes -= e.size
	for _, t := range allTags(e.ent) {
		if keys := c.byTag[t]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.byTag, t)
			}
		}
	}
	return e
}
