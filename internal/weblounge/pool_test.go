package weblounge

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("attachment", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("some notes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("title", "hello"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, target, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestActionPoolReuseLeavesNoResidue(t *testing.T) {
	site := newFakeSite()
	pool, err := NewActionPool(mustActionConfig(t, "/news", WithFlavors(FlavorHTML, FlavorJSON)), site, baseHandlerFactory, PoolOptions{MaxUploadMemory: 1 << 20})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	r := uploadRequest(t, "/news/2024/05")
	req := newRequest(r, site)
	require.NoError(t, a.Configure(req, newResponse(ctx, r.Method, nil), FlavorJSON))
	require.NoError(t, a.Activate())
	require.NoError(t, a.Include("teaser", nil))

	require.True(t, a.HasFiles())
	require.Len(t, a.Files("attachment"), 1)
	require.Equal(t, []string{"2024", "05"}, a.URLParameters())
	require.Equal(t, 1, a.IncludeCount())
	require.Equal(t, FlavorJSON, a.Flavor())

	require.NoError(t, pool.Return(a))
	assert.Nil(t, a.Request())
	assert.Nil(t, a.Response())
	_, ok := req.Attribute(ActionAttribute)
	assert.False(t, ok, "request no longer points at the instance")

	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.Same(t, a, b, "idle instance is reused")
	assert.Equal(t, FlavorAny, b.Flavor())
	assert.False(t, b.HasFiles())
	assert.Zero(t, b.IncludeCount())
	assert.Empty(t, b.URLParameters())

	r2 := httptest.NewRequest(http.MethodGet, "/news", nil)
	require.NoError(t, b.Configure(newRequest(r2, site), newResponse(ctx, r2.Method, nil), FlavorHTML))
	assert.Equal(t, FlavorHTML, b.Flavor())
	assert.False(t, b.HasFiles())
	assert.Nil(t, b.Files("attachment"))
	assert.Zero(t, b.IncludeCount())
	assert.Empty(t, b.URLParameters())
	require.NoError(t, pool.Return(b))

	assert.Equal(t, PoolStats{Idle: 1, Created: 1}, pool.Stats())
}

func TestActionPoolExhaustion(t *testing.T) {
	m := NewMetrics(nil)
	cfg := mustActionConfig(t, "/news", WithPoolSize(1, 1))
	pool, err := NewActionPool(cfg, newFakeSite(), baseHandlerFactory, PoolOptions{Metrics: m})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)

	_, err = pool.Borrow(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolExhausted.WithLabelValues("news/list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolBorrowed.WithLabelValues("news/list")))

	require.NoError(t, pool.Return(a))
	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, pool.Return(b))
}

func TestActionPoolBorrowWaits(t *testing.T) {
	cfg := mustActionConfig(t, "/news", WithPoolSize(1, 1))
	pool, err := NewActionPool(cfg, newFakeSite(), baseHandlerFactory, PoolOptions{BorrowTimeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = pool.Return(a)
	}()

	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Return(b))

	short, err := NewActionPool(cfg, newFakeSite(), baseHandlerFactory, PoolOptions{BorrowTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	held, err := short.Borrow(ctx)
	require.NoError(t, err)
	_, err = short.Borrow(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.NoError(t, short.Return(held))
}

type disposableHandler struct{ BaseHandler }

func (disposableHandler) Dispose(*Action) bool { return true }

func TestActionPoolRetiresDisposedInstances(t *testing.T) {
	factory := func(*ActionConfig) Handler { return disposableHandler{} }
	pool, err := NewActionPool(mustActionConfig(t, "/news"), newFakeSite(), factory, PoolOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Return(a))

	b, err := pool.Borrow(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, uint64(2), b.Serial())
	require.NoError(t, pool.Return(b))
	assert.Equal(t, PoolStats{Created: 2, Retired: 2}, pool.Stats())
}

func TestActionPoolRejectsForeignInstance(t *testing.T) {
	site := newFakeSite()
	p1, err := NewActionPool(mustActionConfig(t, "/a"), site, baseHandlerFactory, PoolOptions{})
	require.NoError(t, err)
	p2, err := NewActionPool(mustActionConfig(t, "/b"), site, baseHandlerFactory, PoolOptions{})
	require.NoError(t, err)

	a, err := p1.Borrow(context.Background())
	require.NoError(t, err)
	assert.Error(t, p2.Return(a))
	require.NoError(t, p1.Return(a))
	assert.Error(t, p1.Return(a), "double return")
}

func TestActionPoolClose(t *testing.T) {
	pool, err := NewActionPool(mustActionConfig(t, "/news"), newFakeSite(), baseHandlerFactory, PoolOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	idle, err := pool.Borrow(ctx)
	require.NoError(t, err)
	busy, err := pool.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Return(idle))

	pool.Close()
	require.NoError(t, pool.Return(busy))
	assert.Equal(t, PoolStats{Created: 2, Retired: 2}, pool.Stats())

	_, err = pool.Borrow(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestActionConfigureRequiresBorrow(t *testing.T) {
	site := newFakeSite()
	a := configuredAction(t, site, mustActionConfig(t, "/news"), nil, nil, "/news")

	r := httptest.NewRequest(http.MethodGet, "/news", nil)
	err := a.Configure(newRequest(r, site), newResponse(r.Context(), r.Method, nil), FlavorHTML)
	assert.ErrorIs(t, err, errActionState)
}
