package weblounge

import (
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/multierr"
)

// NoCacheParameter disables whole response caching for a request.
const NoCacheParameter = "nocache"

const maxAdminBody = 1 << 20

// Service dispatches requests to actions and owns everything they share:
// the resolver, the output cache, the sites and the metrics.
type Service struct {
	logger   logr.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	cache    *OutputCache
	resolver *Resolver
	protocol *Protocol
	handlers map[string]HandlerFactory

	mu     sync.RWMutex
	cfg    Config
	sites  map[string]Site
	order  []Site
	hosts  map[string]Site
	static map[string]*staticSite

	stats     *responseStats
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

func WithLogger(l logr.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry registers the service metrics with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithHandlerFactory makes f available to actions configured with
// handler: name.
func WithHandlerFactory(name string, f HandlerFactory) Option {
	return func(s *Service) { s.handlers[name] = f }
}

func baseHandlerFactory(*ActionConfig) Handler { return BaseHandler{} }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		logger:   logr.Discard(),
		handlers: map[string]HandlerFactory{"": baseHandlerFactory, "page": baseHandlerFactory},
		cfg:      cfg,
		sites:    map[string]Site{},
		hosts:    map[string]Site{},
		static:   map[string]*staticSite{},
		stats:    newResponseStats(),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)

	cache, err := NewOutputCache(CacheOptions{
		RAMMax:   int64(cfg.Storage.RAM.Max),
		Disk:     cfg.Storage.Disk.Path != "",
		DiskPath: cfg.Storage.Disk.Path,
		DiskMax:  int64(cfg.Storage.Disk.Max),
		Metrics:  s.metrics,
		Logger:   s.logger.WithName("cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.cache = cache
	s.resolver = NewResolver(cfg.URLCache.Capacity, s.logger.WithName("resolver"))
	s.protocol = NewProtocol(NewTargetResolver(s.logger.WithName("target")), s.logger.WithName("protocol"))

	for _, cs := range cfg.sites {
		site := newStaticSite(cs.id, cs.content)
		s.static[cs.id] = site
		s.addSiteLocked(site)
		for _, ac := range cs.actions {
			if err := s.RegisterAction(ac); err != nil {
				_ = s.cache.Close()
				return nil, err
			}
		}
	}

	if cfg.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}
	return s, nil
}

func (s *Service) Cache() *OutputCache            { return s.cache }
func (s *Service) Resolver() *Resolver            { return s.resolver }
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// AddSite makes site available to actions and requests. The first site
// added also answers requests for unknown hosts.
func (s *Service) AddSite(site Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addSiteLocked(site)
}

func (s *Service) addSiteLocked(site Site) {
	if _, ok := s.sites[site.ID()]; !ok {
		s.order = append(s.order, site)
	}
	s.sites[site.ID()] = site
	for _, h := range site.Hosts() {
		s.hosts[strings.ToLower(h)] = site
	}
}

func (s *Service) site(id string) (Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	return site, ok
}

// RegisterAction creates the pool of cfg and makes it resolvable.
func (s *Service) RegisterAction(cfg *ActionConfig) error {
	site, ok := s.site(cfg.site)
	if !ok {
		return configErrorf("site", "unknown site %q for action %s", cfg.site, cfg)
	}
	factory, ok := s.handlers[cfg.handler]
	if !ok {
		return configErrorf("handler", "unknown handler %q for action %s", cfg.handler, cfg)
	}
	pool, err := NewActionPool(cfg, site, factory, PoolOptions{
		BorrowTimeout:   s.cfg.borrowTimeout,
		MaxUploadMemory: int64(s.cfg.Server.MaxUploadMemory),
		Metrics:         s.metrics,
		Logger:          s.logger.WithName("pool"),
	})
	if err != nil {
		return err
	}
	return s.resolver.Register(pool)
}

// UnregisterAction removes the action claiming the URL space of cfg and
// drops its cached output.
func (s *Service) UnregisterAction(cfg *ActionConfig) bool {
	pool, ok := s.resolver.Unregister(cfg)
	if !ok {
		return false
	}
	pool.Close()
	s.cache.Invalidate([]Tag{
		{Name: TagSite, Value: cfg.site},
		{Name: TagModule, Value: cfg.module},
		{Name: TagAction, Value: cfg.id},
	})
	return true
}

func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/system/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/system/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/system/cache", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/system/cache", s.handleCacheInvalidate).Methods(http.MethodDelete)
	r.PathPrefix("/").HandlerFunc(s.handle)
	return r
}

func (s *Service) pickSite(host string) Site {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if site, ok := s.hosts[strings.ToLower(host)]; ok {
		return site
	}
	if len(s.order) > 0 {
		return s.order[0]
	}
	return nil
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	site := s.pickSite(r.Host)

	logger := s.logger.WithValues("requestID", uuid.NewString(), "path", r.URL.Path)
	if site != nil {
		logger = logger.WithValues("site", site.ID())
	}
	r = r.WithContext(logr.NewContext(r.Context(), logger))

	var status int
	if site == nil {
		status = s.fail(w, r, FlavorAny, &ResolutionError{Kind: "site", Target: r.Host})
	} else {
		status = s.dispatch(w, r, site)
	}
	took := time.Since(start)
	s.metrics.request(status, took)
	logger.V(DEBUG).Info("Served request", "method", r.Method, "status", status, "took", took.String())
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, site Site) int {
	req := newRequest(r, site)
	if req.formErr != nil {
		return s.fail(w, r, req.Flavor(), NewActionError(http.StatusBadRequest, "malformed parameters: %v", req.formErr))
	}
	pool, ok := s.resolver.Resolve(site.ID(), req.URL())
	if !ok {
		return s.fail(w, r, req.Flavor(), &ResolutionError{Kind: "action", Target: req.URL()})
	}
	cfg := pool.Config()
	if !cfg.SupportsMethod(r.Method) {
		w.Header().Set("Allow", cfg.Allow())
		return s.fail(w, r, req.Flavor(), NewActionError(http.StatusMethodNotAllowed, "method %s not supported by %s", r.Method, cfg))
	}
	flavor := req.Flavor()
	if flavor == FlavorAny {
		flavor = cfg.Variant()
	} else if !cfg.SupportsFlavor(flavor) {
		return s.fail(w, r, flavor, &ResolutionError{Kind: "flavor " + flavor.String(), Target: req.URL()})
	}

	resp := newResponse(r.Context(), r.Method, s.cache)
	hit, err := s.serve(pool, req, resp, flavor)
	if st := resp.ErrorStatus(); err == nil && st >= 300 && st < 400 {
		resp.flushStatus(w)
		return st
	}
	if err == nil && resp.ErrorStatus() != 0 {
		err = NewActionError(resp.ErrorStatus(), "sent by %s", cfg)
	}
	if err != nil {
		return s.fail(w, r, flavor, err)
	}
	if err := resp.flush(w); err != nil {
		loggerFrom(r.Context(), s.logger).V(VERBOSE).Info("Response not delivered", "err", err.Error())
	}
	s.stats.Observe(len(resp.Bytes()), hit)
	return resp.Status()
}

// serve runs one request through a pooled instance. The instance goes back
// to the pool on every path, panics included.
func (s *Service) serve(pool *ActionPool, req *Request, resp *Response, flavor Flavor) (hit bool, err error) {
	cfg := pool.Config()
	a, err := pool.Borrow(req.Context())
	if err != nil {
		return false, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			resp.Invalidate()
			err = multierr.Append(err, &RenderingError{Action: cfg.String(), Stage: "dispatch", Err: fmt.Errorf("panic: %v", rec)})
		}
		err = multierr.Append(err, pool.Return(a))
	}()

	if err := a.Configure(req, resp, flavor); err != nil {
		return false, err
	}
	if err := a.Activate(); err != nil {
		return false, err
	}
	if !cacheable(req, cfg) {
		return false, s.protocol.Run(a)
	}

	maxAge := cfg.recheck
	if maxAge <= 0 {
		maxAge = cfg.valid
	}
	resp.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(maxAge.Seconds())))
	tags := requestTags(req, cfg.module, cfg.id)
	return resp.part(tags, cfg.valid, cfg.recheck, true, func() error {
		return s.protocol.Run(a)
	})
}

func cacheable(req *Request, cfg *ActionConfig) bool {
	switch req.Method() {
	case http.MethodGet, http.MethodHead:
	default:
		return false
	}
	return cfg.valid > 0 && !req.HasParameter(NoCacheParameter)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, flavor Flavor, err error) int {
	status := StatusFor(err)
	logger := loggerFrom(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error(err, "Request failed", "status", status)
	} else {
		logger.V(VERBOSE).Info("Request rejected", "status", status, "reason", err.Error())
	}
	sendError(w, r.Method, flavor, status)
	return status
}

// sendError writes an error document in the representation of flavor.
// Error details stay in the log.
func sendError(w http.ResponseWriter, method string, flavor Flavor, status int) {
	if status < http.StatusBadRequest {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		return
	}
	text := http.StatusText(status)
	var (
		body []byte
		ct   string
	)
	switch flavor {
	case FlavorJSON:
		body, _ = sjson.SetBytes([]byte(`{}`), "error.status", status)
		body, _ = sjson.SetBytes(body, "error.message", text)
		ct = "application/json; charset=utf-8"
	case FlavorXML:
		body = []byte(fmt.Sprintf("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<error status=\"%d\">%s</error>\n", status, html.EscapeString(text)))
		ct = "text/xml; charset=utf-8"
	default:
		body = []byte(fmt.Sprintf("<!DOCTYPE html>\n<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>\n", status, text, status, text))
		ct = "text/html; charset=utf-8"
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, "ok\n")
	}
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	body, _ := sjson.SetBytes([]byte(`{}`), "cache", s.cache.Stats())
	body, _ = sjson.SetBytes(body, "responses", s.stats.Snapshot())
	body, _ = sjson.SetBytes(body, "resolver.cachedURLs", s.resolver.CachedURLs())
	body, _ = sjson.SetRawBytes(body, "pools", []byte(`[]`))
	for _, p := range s.resolver.Pools() {
		cfg := p.Config()
		entry, _ := sjson.SetBytes([]byte(`{}`), "action", cfg.String())
		entry, _ = sjson.SetBytes(entry, "site", cfg.site)
		entry, _ = sjson.SetBytes(entry, "mountpoint", cfg.mountpoint)
		entry, _ = sjson.SetBytes(entry, "stats", p.Stats())
		body, _ = sjson.SetRawBytes(body, "pools.-1", entry)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCacheInvalidate removes the entries matching every tag of a body
// like {"tags":[{"name":"module","value":"news"}]}. An empty body empties
// the cache.
func (s *Service) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		sendError(w, r.Method, FlavorJSON, http.StatusBadRequest)
		return
	}
	var tags []Tag
	if len(strings.TrimSpace(string(b))) > 0 {
		if !gjson.ValidBytes(b) {
			sendError(w, r.Method, FlavorJSON, http.StatusBadRequest)
			return
		}
		valid := true
		gjson.GetBytes(b, "tags").ForEach(func(_, v gjson.Result) bool {
			name := v.Get("name").String()
			if name == "" {
				valid = false
				return false
			}
			tags = append(tags, Tag{Name: name, Value: v.Get("value").String()})
			return true
		})
		if !valid {
			sendError(w, r.Method, FlavorJSON, http.StatusBadRequest)
			return
		}
	}
	n := s.cache.Invalidate(tags)
	loggerFrom(r.Context(), s.logger).Info("Cache invalidated", "tags", tags, "count", n)
	body, _ := sjson.SetBytes([]byte(`{}`), "invalidated", n)
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Reload applies a new configuration: site content is swapped, actions that
// disappeared are unregistered, new ones registered and changed ones
// replaced. Cached output of reloaded sites is dropped.
func (s *Service) Reload(cfg Config) error {
	s.mu.Lock()
	managed := map[string]bool{}
	for id := range s.static {
		managed[id] = true
	}
	wanted := map[string]*ActionConfig{}
	keep := map[string]*staticSite{}
	for _, cs := range cfg.sites {
		managed[cs.id] = true
		if site, ok := s.static[cs.id]; ok {
			site.swap(cs.content)
			keep[cs.id] = site
		} else {
			site := newStaticSite(cs.id, cs.content)
			keep[cs.id] = site
			s.sites[cs.id] = site
			s.order = append(s.order, site)
		}
		for _, ac := range cs.actions {
			wanted[ac.Signature()] = ac
		}
	}
	for id := range s.static {
		if _, ok := keep[id]; !ok {
			delete(s.sites, id)
			s.order = removeSite(s.order, id)
		}
	}
	s.static = keep
	s.hosts = map[string]Site{}
	for _, site := range s.order {
		for _, h := range site.Hosts() {
			s.hosts[strings.ToLower(h)] = site
		}
	}
	s.cfg.sites = cfg.sites
	s.mu.Unlock()

	var err error
	for _, p := range s.resolver.Pools() {
		have := p.Config()
		if !managed[have.site] {
			continue
		}
		want, ok := wanted[have.Signature()]
		switch {
		case !ok:
			s.UnregisterAction(have)
		case !want.equal(have):
			s.UnregisterAction(have)
			err = multierr.Append(err, s.RegisterAction(want))
			delete(wanted, have.Signature())
		default:
			delete(wanted, have.Signature())
		}
	}
	for _, ac := range wanted {
		err = multierr.Append(err, s.RegisterAction(ac))
	}
	for id := range managed {
		s.cache.Invalidate([]Tag{{Name: TagSite, Value: id}})
	}
	s.logger.Info("Configuration reloaded", "sites", len(keep), "actions", len(s.resolver.Pools()))
	return err
}

func removeSite(sites []Site, id string) []Site {
	out := sites[:0]
	for _, s := range sites {
		if s.ID() != id {
			out = append(out, s)
		}
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			cs := s.cache.Stats()
			rs := s.stats.Snapshot()
			kv := []any{
				"entries", cs.Entries,
				"ram", formatBytes(uint64(cs.RAMBytes)),
				"disk", formatBytes(uint64(cs.DiskBytes)),
				"responses", rs.Responses,
				"hits", rs.Hits,
				"respMinAvgMax", fmt.Sprintf("%s/%s/%s", formatBytes(rs.MinBytes), formatBytes(rs.AvgBytes), formatBytes(rs.MaxBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				kv = append(kv, "rss", formatBytes(rss))
			}
			s.logger.Info("Cache stats", kv...)
		}
	}
}

// Close stops background work, closes the pools and the cache.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		for _, p := range s.resolver.Pools() {
			p.Close()
		}
		if cerr := s.cache.Close(); cerr != nil {
			err = fmt.Errorf("close cache: %w", cerr)
		}
	})
	return err
}
