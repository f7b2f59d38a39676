package weblounge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	id      string
	module  string
	valid   time.Duration
	recheck time.Duration
	out     string
	err     error

	calls    atomic.Int32
	cleanups atomic.Int32
}

func (r *fakeRenderer) ID() string                 { return r.id }
func (r *fakeRenderer) Module() string             { return r.module }
func (r *fakeRenderer) ValidTime() time.Duration   { return r.valid }
func (r *fakeRenderer) RecheckTime() time.Duration { return r.recheck }
func (r *fakeRenderer) Cleanup()                   { r.cleanups.Add(1) }

func (r *fakeRenderer) Render(req *Request, resp *Response, data any) error {
	n := r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	out := r.out
	if out == "" {
		out = fmt.Sprintf("<%s/%s #%d>", r.module, r.id, n)
	}
	_, err := resp.WriteString(out)
	return err
}

type fakeModule struct {
	id        string
	renderers map[string]Renderer
	returned  atomic.Int32
}

func (m *fakeModule) ID() string { return m.id }

func (m *fakeModule) Renderer(id string) (Renderer, bool) {
	r, ok := m.renderers[id]
	return r, ok
}

func (m *fakeModule) ReturnRenderer(Renderer) { m.returned.Add(1) }

type fakeTemplate struct {
	id        string
	stage     string
	composers []string
	cleanups  atomic.Int32
}

func (t *fakeTemplate) ID() string          { return t.id }
func (t *fakeTemplate) Stage() string       { return t.stage }
func (t *fakeTemplate) Composers() []string { return t.composers }
func (t *fakeTemplate) Cleanup()            { t.cleanups.Add(1) }

func (t *fakeTemplate) RenderHead(req *Request, resp *Response) error {
	_, err := resp.WriteString("<title>fake</title>")
	return err
}

type fakeSite struct {
	id              string
	languages       []string
	defaultTemplate string
	pages           map[string]*Page
	templates       map[string]Template
	modules         map[string]Module
}

func (s *fakeSite) ID() string              { return s.id }
func (s *fakeSite) Hosts() []string         { return nil }
func (s *fakeSite) Languages() []string     { return s.languages }
func (s *fakeSite) DefaultTemplate() string { return s.defaultTemplate }

func (s *fakeSite) Page(p string) (*Page, bool) {
	pg, ok := s.pages[p]
	return pg, ok
}

func (s *fakeSite) Template(id string) (Template, bool) {
	t, ok := s.templates[id]
	return t, ok
}

func (s *fakeSite) Module(id string) (Module, bool) {
	m, ok := s.modules[id]
	return m, ok
}

// newFakeSite returns a site with module "news" holding renderers "teaser"
// and "stage", a template "default" and pages "/" and "/foo".
func newFakeSite() *fakeSite {
	news := &fakeModule{id: "news", renderers: map[string]Renderer{
		"teaser": &fakeRenderer{id: "teaser", module: "news", valid: time.Hour},
		"stage":  &fakeRenderer{id: "stage", module: "news", valid: time.Hour, out: "<stage/>"},
	}}
	return &fakeSite{
		id:              "main",
		languages:       []string{"en", "de"},
		defaultTemplate: "default",
		pages: map[string]*Page{
			"/":    {Path: "/", Title: "Home"},
			"/foo": {Path: "/foo", Title: "Foo"},
		},
		templates: map[string]Template{
			"default": &fakeTemplate{id: "default", stage: "main", composers: []string{"top", "main"}},
		},
		modules: map[string]Module{"news": news},
	}
}

func (s *fakeSite) renderer(module, id string) *fakeRenderer {
	r, _ := s.modules[module].Renderer(id)
	return r.(*fakeRenderer)
}

func mustActionConfig(t *testing.T, mountpoint string, opts ...ActionOption) *ActionConfig {
	t.Helper()
	cfg, err := NewActionConfig("main", "news", "list", mountpoint, opts...)
	require.NoError(t, err)
	return cfg
}

// configuredAction borrows an instance of cfg and binds it to a GET of
// target.
func configuredAction(t *testing.T, site Site, cfg *ActionConfig, factory HandlerFactory, cache CacheCoordinator, target string) *Action {
	t.Helper()
	if factory == nil {
		factory = baseHandlerFactory
	}
	pool, err := NewActionPool(cfg, site, factory, PoolOptions{})
	require.NoError(t, err)
	a, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, target, nil)
	req := newRequest(r, site)
	resp := newResponse(r.Context(), r.Method, cache)
	require.NoError(t, a.Configure(req, resp, FlavorHTML))
	return a
}

// recordingCoordinator records brackets without caching anything. Every
// bracket hits when hit is set.
type recordingCoordinator struct {
	mu     sync.Mutex
	hit    func(n int) bool
	begins []TagSet
	extra  [][]Tag
	ends   int
}

func (c *recordingCoordinator) Begin(_ context.Context, tags TagSet, _, _ time.Duration) (Bracket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.begins)
	c.begins = append(c.begins, tags)
	c.extra = append(c.extra, nil)
	hit := c.hit != nil && c.hit(n)
	return &recordingBracket{c: c, n: n, key: tags.Key(), hit: hit}, nil
}

func (c *recordingCoordinator) counts() (begins, ends int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.begins), c.ends
}

type recordingBracket struct {
	c   *recordingCoordinator
	n   int
	key string
	hit bool
}

func (b *recordingBracket) Key() string { return b.key }
func (b *recordingBracket) Hit() bool   { return b.hit }

func (b *recordingBracket) Entry() CacheEntry {
	return CacheEntry{Body: []byte("<cached/>")}
}

func (b *recordingBracket) AddTag(name, value string) {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	b.c.extra[b.n] = append(b.c.extra[b.n], Tag{Name: name, Value: value})
}

func (b *recordingBracket) End(*CacheEntry) {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	b.c.ends++
}

func newTestCache(t *testing.T, opts CacheOptions) *OutputCache {
	t.Helper()
	c, err := NewOutputCache(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
