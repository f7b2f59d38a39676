package weblounge

import (
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, site Site, id, mountpoint string, opts ...ActionOption) *ActionPool {
	t.Helper()
	cfg, err := NewActionConfig(site.ID(), "news", id, mountpoint, opts...)
	require.NoError(t, err)
	pool, err := NewActionPool(cfg, site, baseHandlerFactory, PoolOptions{})
	require.NoError(t, err)
	return pool
}

func resolvedID(r *Resolver, site, p string) string {
	pool, ok := r.Resolve(site, p)
	if !ok {
		return ""
	}
	return pool.Config().ID()
}

func TestResolveLongestMountpoint(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(0, logr.Discard())
	require.NoError(t, r.Register(testPool(t, site, "root", "/")))
	require.NoError(t, r.Register(testPool(t, site, "news", "/news")))
	require.NoError(t, r.Register(testPool(t, site, "archive", "/news/archive")))
	require.NoError(t, r.Register(testPool(t, site, "exact", "/news/latest", WithExtension(ExtensionNone))))

	tests := []struct {
		path string
		want string
	}{
		{"/", "root"},
		{"/about", "root"},
		{"/news", "news"},
		{"/news/2024", "news"},
		{"/newsletter", "root"},
		{"/news/archive", "archive"},
		{"/news/archive/2023/05", "archive"},
		{"/news/latest", "exact"},
		{"/news/latest/more", "news"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, resolvedID(r, "main", tc.path))
			// served from the url cache the second time
			assert.Equal(t, tc.want, resolvedID(r, "main", tc.path))
		})
	}
}

func TestResolveTieGoesToEarliest(t *testing.T) {
	site := newFakeSite()
	for _, order := range [][]string{{"path", "none"}, {"none", "path"}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			r := NewResolver(0, logr.Discard())
			for _, id := range order {
				ext := ExtensionPath
				if id == "none" {
					ext = ExtensionNone
				}
				require.NoError(t, r.Register(testPool(t, site, id, "/news", WithExtension(ext))))
			}
			assert.Equal(t, order[0], resolvedID(r, "main", "/news"))
			assert.Equal(t, "path", resolvedID(r, "main", "/news/x"))
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(0, logr.Discard())
	require.NoError(t, r.Register(testPool(t, site, "news", "/news")))

	_, ok := r.Resolve("main", "/other")
	assert.False(t, ok)
	_, ok = r.Resolve("elsewhere", "/news")
	assert.False(t, ok)
	assert.Zero(t, r.CachedURLs(), "misses are not remembered")
}

func TestRegisterDuplicate(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(0, logr.Discard())
	require.NoError(t, r.Register(testPool(t, site, "a", "/news")))

	err := r.Register(testPool(t, site, "b", "/news"))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "mountpoint", ce.Field)
	assert.Equal(t, "a", resolvedID(r, "main", "/news"))

	// another extension mode is another URL space
	require.NoError(t, r.Register(testPool(t, site, "c", "/news", WithExtension(ExtensionNone))))
	assert.Len(t, r.Pools(), 2)
}

func TestRegisterEvictsShadowedURLs(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(0, logr.Discard())
	require.NoError(t, r.Register(testPool(t, site, "root", "/")))
	assert.Equal(t, "root", resolvedID(r, "main", "/news/1"))
	assert.Equal(t, "root", resolvedID(r, "main", "/about"))
	assert.Equal(t, 2, r.CachedURLs())

	require.NoError(t, r.Register(testPool(t, site, "news", "/news")))
	assert.Equal(t, 1, r.CachedURLs())
	assert.Equal(t, "news", resolvedID(r, "main", "/news/1"))
	assert.Equal(t, "root", resolvedID(r, "main", "/about"))
}

func TestUnregister(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(0, logr.Discard())
	root := testPool(t, site, "root", "/")
	news := testPool(t, site, "news", "/news")
	require.NoError(t, r.Register(root))
	require.NoError(t, r.Register(news))
	assert.Equal(t, "news", resolvedID(r, "main", "/news/1"))
	assert.Equal(t, "root", resolvedID(r, "main", "/about"))

	pool, ok := r.Unregister(news.Config())
	require.True(t, ok)
	assert.Same(t, news, pool)
	assert.Equal(t, 1, r.CachedURLs())
	assert.Equal(t, "root", resolvedID(r, "main", "/news/1"))

	_, ok = r.Unregister(news.Config())
	assert.False(t, ok)
	assert.Equal(t, []*ActionPool{root}, r.Pools())
}

func TestResolverCapacity(t *testing.T) {
	site := newFakeSite()
	r := NewResolver(2, logr.Discard())
	require.NoError(t, r.Register(testPool(t, site, "root", "/")))
	for i := 0; i < 5; i++ {
		assert.Equal(t, "root", resolvedID(r, "main", fmt.Sprintf("/p/%d", i)))
	}
	assert.Equal(t, 2, r.CachedURLs())
}
