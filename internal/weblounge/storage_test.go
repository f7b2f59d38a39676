package weblounge

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryFor(body string, tags ...Tag) CacheEntry {
	return CacheEntry{Body: []byte(body), Tags: tags}
}

func TestRAMCacheSpillsLeastRecentlyUsed(t *testing.T) {
	var (
		mu      sync.Mutex
		spilled []string
	)
	one := entrySize(entryFor("x"))
	c := newRAMCache(2*one, func(key string, _ CacheEntry) {
		mu.Lock()
		defer mu.Unlock()
		spilled = append(spilled, key)
	}, nil)

	c.Put("a", entryFor("x"))
	c.Put("b", entryFor("x"))
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", entryFor("x"))

	assert.Equal(t, []string{"b"}, spilled)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2*one, c.Bytes())

	c.Put("huge", entryFor(string(make([]byte, 4*one))))
	assert.Equal(t, []string{"b", "huge"}, spilled)
	assert.Equal(t, 2, c.Len())
}

func TestRAMCacheMatch(t *testing.T) {
	c := newRAMCache(0, nil, nil)
	site := Tag{TagSite, "main"}
	c.Put("teaser", CacheEntry{Tags: []Tag{site}, Extra: []Tag{{TagRenderer, "teaser"}}})
	c.Put("menu", CacheEntry{Tags: []Tag{site}, Extra: []Tag{{TagRenderer, "menu"}}})

	assert.Equal(t, []string{"teaser"}, c.Match([]Tag{site, {TagRenderer, "teaser"}}))
	assert.Empty(t, c.Match([]Tag{{TagRenderer, "footer"}}))
	all := c.Match(nil)
	sort.Strings(all)
	assert.Equal(t, []string{"menu", "teaser"}, all)

	require.True(t, c.Delete("teaser"))
	assert.False(t, c.Delete("teaser"))
	assert.Empty(t, c.Match([]Tag{{TagRenderer, "teaser"}}))

	// replacing an entry drops its old tags from the index
	c.Put("menu", CacheEntry{Tags: []Tag{site}})
	assert.Empty(t, c.Match([]Tag{{TagRenderer, "menu"}}))
	assert.Equal(t, []string{"menu"}, c.Match([]Tag{site}))
}

func TestDiskCacheReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := newDiskCache(dir, 0)
	require.NoError(t, err)

	ent := entryFor("persisted", Tag{TagSite, "main"})
	ent.StoredAt = 42
	ent.Hash32 = 7
	d.PutAsync("k", ent)
	d.Sync()
	size := d.TotalSize()
	require.Positive(t, size)

	// same body: only the metadata is rewritten
	ent.StoredAt = 43
	d.PutAsync("k", ent)
	d.Sync()
	assert.Equal(t, size, d.TotalSize())
	require.NoError(t, d.close())

	d, err = newDiskCache(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })
	assert.Equal(t, 1, d.KeyCount())
	got, ok := d.Get("k")
	require.True(t, ok)
	assert.Equal(t, "persisted", string(got.Body))
	assert.EqualValues(t, 43, got.StoredAt)
	assert.Equal(t, []string{"k"}, d.Match([]Tag{{TagSite, "main"}}))

	d.Delete("k")
	d.Sync()
	assert.Zero(t, d.KeyCount())
	assert.Zero(t, d.TotalSize())
	_, ok = d.Get("k")
	assert.False(t, ok)
}

func TestDiskCacheEvictsOldest(t *testing.T) {
	d, err := newDiskCache("", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })

	d.PutAsync("a", entryFor("first"))
	d.Sync()
	assert.Zero(t, d.KeyCount(), "an entry over the budget is evicted right away")
}
