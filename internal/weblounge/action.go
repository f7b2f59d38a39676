package weblounge

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
)

var defaultMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut}

// ActionConfig is the parsed configuration of one action. It is read-only
// once built.
type ActionConfig struct {
	id            string
	module        string
	site          string
	handler       string
	mountpoint    string
	extension     ExtensionMode
	variant       Flavor
	flavors       []Flavor
	methods       []string
	targetURL     string
	template      string
	stageRenderer string
	valid         time.Duration
	recheck       time.Duration
	options       map[string][]string
	maxActive     int
	maxIdle       int
}

// ActionOption customizes an ActionConfig under construction.
type ActionOption func(*ActionConfig)

func WithExtension(m ExtensionMode) ActionOption {
	return func(c *ActionConfig) { c.extension = m }
}

func WithVariant(f Flavor) ActionOption {
	return func(c *ActionConfig) { c.variant = f }
}

func WithFlavors(fs ...Flavor) ActionOption {
	return func(c *ActionConfig) { c.flavors = append([]Flavor(nil), fs...) }
}

func WithMethods(ms ...string) ActionOption {
	return func(c *ActionConfig) {
		c.methods = c.methods[:0:0]
		for _, m := range ms {
			c.methods = append(c.methods, strings.ToUpper(m))
		}
	}
}

// WithTargetURL sets the path of the page the action output is composed
// onto when the request does not name one.
func WithTargetURL(u string) ActionOption {
	return func(c *ActionConfig) { c.targetURL = u }
}

func WithTemplate(id string) ActionOption {
	return func(c *ActionConfig) { c.template = id }
}

// WithStageRenderer names a renderer of the action's module that replaces
// the default rendering of the stage composer.
func WithStageRenderer(id string) ActionOption {
	return func(c *ActionConfig) { c.stageRenderer = id }
}

func WithCacheTimes(valid, recheck time.Duration) ActionOption {
	return func(c *ActionConfig) { c.valid, c.recheck = valid, recheck }
}

func WithOption(name string, values ...string) ActionOption {
	return func(c *ActionConfig) {
		if c.options == nil {
			c.options = map[string][]string{}
		}
		c.options[name] = append(c.options[name], values...)
	}
}

// WithPoolSize bounds the instances of the action. A non-positive maxActive
// leaves the number of borrowed instances unbounded.
func WithPoolSize(maxActive, maxIdle int) ActionOption {
	return func(c *ActionConfig) { c.maxActive, c.maxIdle = maxActive, maxIdle }
}

// WithHandler names the handler factory building the action instances.
func WithHandler(name string) ActionOption {
	return func(c *ActionConfig) { c.handler = name }
}

// NewActionConfig validates and builds an action configuration.
func NewActionConfig(site, module, id, mountpoint string, opts ...ActionOption) (*ActionConfig, error) {
	c := &ActionConfig{
		id:      id,
		module:  module,
		site:    site,
		variant: FlavorHTML,
		maxIdle: 8,
	}
	for _, o := range opts {
		o(c)
	}
	switch {
	case id == "":
		return nil, configErrorf("id", "must not be empty")
	case module == "":
		return nil, configErrorf("module", "must not be empty")
	case !strings.HasPrefix(mountpoint, "/"):
		return nil, configErrorf("mountpoint", "%q must start with /", mountpoint)
	case c.targetURL != "" && !strings.HasPrefix(c.targetURL, "/"):
		return nil, configErrorf("page", "%q must start with /", c.targetURL)
	case c.valid < 0 || c.recheck < 0:
		return nil, configErrorf("valid", "cache times must not be negative")
	case c.recheck > c.valid && c.valid > 0:
		return nil, configErrorf("recheck", "%s exceeds valid time %s", c.recheck, c.valid)
	case c.variant == FlavorAny:
		return nil, configErrorf("variant", "must name a concrete flavor")
	}
	c.mountpoint = path.Clean(mountpoint)
	if len(c.flavors) == 0 {
		c.flavors = []Flavor{c.variant}
	}
	if len(c.methods) == 0 {
		c.methods = append([]string(nil), defaultMethods...)
	}
	for _, m := range c.methods {
		switch m {
		case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions:
		default:
			return nil, configErrorf("methods", "unsupported method %q", m)
		}
	}
	if c.maxIdle < 0 {
		c.maxIdle = 0
	}
	return c, nil
}

func (c *ActionConfig) ID() string                 { return c.id }
func (c *ActionConfig) Module() string             { return c.module }
func (c *ActionConfig) Site() string               { return c.site }
func (c *ActionConfig) HandlerName() string        { return c.handler }
func (c *ActionConfig) Mountpoint() string         { return c.mountpoint }
func (c *ActionConfig) Extension() ExtensionMode   { return c.extension }
func (c *ActionConfig) Variant() Flavor            { return c.variant }
func (c *ActionConfig) TargetURL() string          { return c.targetURL }
func (c *ActionConfig) Template() string           { return c.template }
func (c *ActionConfig) StageRenderer() string      { return c.stageRenderer }
func (c *ActionConfig) ValidTime() time.Duration   { return c.valid }
func (c *ActionConfig) RecheckTime() time.Duration { return c.recheck }
func (c *ActionConfig) MaxActive() int             { return c.maxActive }
func (c *ActionConfig) MaxIdle() int               { return c.maxIdle }

func (c *ActionConfig) Flavors() []Flavor { return append([]Flavor(nil), c.flavors...) }

func (c *ActionConfig) SupportsFlavor(f Flavor) bool {
	for _, have := range c.flavors {
		if have == f {
			return true
		}
	}
	return false
}

// SupportsMethod reports whether the action accepts method. HEAD is
// accepted wherever GET is.
func (c *ActionConfig) SupportsMethod(method string) bool {
	if method == http.MethodHead {
		method = http.MethodGet
	}
	for _, m := range c.methods {
		if m == method {
			return true
		}
	}
	return false
}

// Allow is the value of an Allow header for the action.
func (c *ActionConfig) Allow() string {
	ms := append([]string(nil), c.methods...)
	if c.SupportsMethod(http.MethodGet) {
		ms = append(ms, http.MethodHead)
	}
	sort.Strings(ms)
	return strings.Join(ms, ", ")
}

func (c *ActionConfig) Option(name string) string {
	if vs := c.options[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (c *ActionConfig) OptionValues(name string) []string {
	return append([]string(nil), c.options[name]...)
}

// Signature identifies the URL space the action claims on its site.
func (c *ActionConfig) Signature() string {
	return c.site + "\x00" + c.mountpoint + "\x00" + c.extension.String()
}

// Matches reports whether the action handles p, a cleaned site path.
func (c *ActionConfig) Matches(p string) bool {
	if c.extension == ExtensionNone {
		return p == c.mountpoint
	}
	if c.mountpoint == "/" || p == c.mountpoint {
		return true
	}
	return strings.HasPrefix(p, c.mountpoint+"/")
}

func (c *ActionConfig) String() string { return c.module + "/" + c.id }

func (c *ActionConfig) equal(o *ActionConfig) bool {
	return cmp.Equal(c, o, cmp.AllowUnexported(ActionConfig{}))
}

// splitURLParameters returns the path segments of p below mountpoint.
func splitURLParameters(mountpoint, p string) []string {
	rest := strings.TrimPrefix(p, strings.TrimSuffix(mountpoint, "/"))
	parts := strings.Split(rest, "/")
	if len(parts) > 0 && parts[0] == "" {
		parts = parts[1:]
	}
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	if len(parts) == 0 {
		return nil
	}
	return parts
}

// Handler is the behavior of an action. Each stage answers Eval to let the
// default rendering of its scope proceed or Skip after producing that scope
// itself.
type Handler interface {
	StartResponse(a *Action) (Decision, error)
	StartPage(a *Action) (Decision, error)
	StartHeader(a *Action) (Decision, error)
	StartStage(a *Action, composer string) (Decision, error)
	StartComposer(a *Action, composer string) (Decision, error)
	StartPagelet(a *Action, composer string, position int) (Decision, error)
	Cleanup(a *Action)
}

// Configurer is implemented by handlers that read the request once it is
// bound to the action.
type Configurer interface {
	Configure(a *Action) error
}

type Activator interface {
	Activate(a *Action) error
}

type Passivator interface {
	Passivate(a *Action)
}

// Disposer is implemented by handlers whose instances must not be reused.
type Disposer interface {
	Dispose(a *Action) bool
}

// HandlerFactory builds the handler of a new pooled instance.
type HandlerFactory func(cfg *ActionConfig) Handler

// BaseHandler evaluates every stage. When the action has a stage renderer
// it is included in place of the stage composer.
type BaseHandler struct{}

func (BaseHandler) StartResponse(*Action) (Decision, error) { return Eval, nil }
func (BaseHandler) StartPage(*Action) (Decision, error)     { return Eval, nil }
func (BaseHandler) StartHeader(*Action) (Decision, error)   { return Eval, nil }

func (BaseHandler) StartStage(a *Action, composer string) (Decision, error) {
	id := a.cfg.stageRenderer
	if id == "" {
		return Eval, nil
	}
	if err := a.Include(id, nil); err != nil {
		return Eval, err
	}
	return Skip, nil
}

func (BaseHandler) StartComposer(*Action, string) (Decision, error)     { return Eval, nil }
func (BaseHandler) StartPagelet(*Action, string, int) (Decision, error) { return Eval, nil }
func (BaseHandler) Cleanup(*Action)                                     {}

type actionState int

const (
	stateIdle actionState = iota
	stateBorrowed
	stateConfigured
	stateActive
	stateRetired
)

var actionStateNames = [...]string{"idle", "borrowed", "configured", "active", "retired"}

func (s actionState) String() string { return actionStateNames[s] }

var errActionState = errors.New("illegal action state")

// Action is a pooled instance of an action. It serves one request at a
// time, between Borrow and Return.
type Action struct {
	cfg     *ActionConfig
	site    Site
	module  Module
	handler Handler
	serial  uint64
	state   actionState

	maxUploadMemory int64

	flavor       Flavor
	params       []string
	form         *multipart.Form
	includeCount int
	req          *Request
	resp         *Response
	page         *Page
	template     Template
}

func (a *Action) Config() *ActionConfig { return a.cfg }
func (a *Action) Site() Site             { return a.site }
func (a *Action) Module() Module         { return a.module }
func (a *Action) Handler() Handler       { return a.handler }
func (a *Action) Request() *Request      { return a.req }
func (a *Action) Response() *Response    { return a.resp }
func (a *Action) Flavor() Flavor         { return a.flavor }
func (a *Action) IncludeCount() int      { return a.includeCount }
func (a *Action) Page() *Page            { return a.page }
func (a *Action) Template() Template     { return a.template }

// Serial distinguishes the instances of one pool.
func (a *Action) Serial() uint64 { return a.serial }

func (a *Action) SupportsFlavor(f Flavor) bool { return a.cfg.SupportsFlavor(f) }

// URLParameters returns the path segments below the mountpoint.
func (a *Action) URLParameters() []string { return append([]string(nil), a.params...) }

// URLParameter returns the i-th path segment below the mountpoint.
func (a *Action) URLParameter(i int) (string, bool) {
	if i < 0 || i >= len(a.params) {
		return "", false
	}
	return a.params[i], true
}

// Files returns the files uploaded under field.
func (a *Action) Files(field string) []*multipart.FileHeader {
	if a.form == nil {
		return nil
	}
	return a.form.File[field]
}

// HasFiles reports whether the request carried any upload.
func (a *Action) HasFiles() bool { return a.form != nil && len(a.form.File) > 0 }

// Configure binds the action to a request.
func (a *Action) Configure(req *Request, resp *Response, flavor Flavor) error {
	if a.state != stateBorrowed {
		return fmt.Errorf("configure action %s in state %s: %w", a.cfg, a.state, errActionState)
	}
	a.reset()
	a.req, a.resp, a.flavor = req, resp, flavor
	a.params = splitURLParameters(a.cfg.mountpoint, req.URL())
	if req.isMultipart() {
		raw := req.HTTPRequest()
		if err := raw.ParseMultipartForm(a.maxUploadMemory); err != nil {
			return &ActionError{Status: http.StatusBadRequest, Err: fmt.Errorf("parse upload: %w", err)}
		}
		a.form = raw.MultipartForm
	}
	req.SetAttribute(ActionAttribute, a)
	if c, ok := a.handler.(Configurer); ok {
		if err := c.Configure(a); err != nil {
			return wrapStage(a, "configure", err)
		}
	}
	a.state = stateConfigured
	return nil
}

func (a *Action) Activate() error {
	if a.state != stateConfigured {
		return fmt.Errorf("activate action %s in state %s: %w", a.cfg, a.state, errActionState)
	}
	if act, ok := a.handler.(Activator); ok {
		if err := act.Activate(a); err != nil {
			return wrapStage(a, "activate", err)
		}
	}
	a.state = stateActive
	return nil
}

// Passivate clears every per-request field.
func (a *Action) Passivate() {
	if p, ok := a.handler.(Passivator); ok {
		p.Passivate(a)
	}
	a.reset()
	if a.state != stateRetired {
		a.state = stateIdle
	}
}

// Dispose reports whether the instance should be retired instead of reused.
func (a *Action) Dispose() bool {
	if d, ok := a.handler.(Disposer); ok {
		return d.Dispose(a)
	}
	return false
}

func (a *Action) reset() {
	if a.form != nil {
		_ = a.form.RemoveAll()
	}
	if a.req != nil {
		a.req.RemoveAttribute(ActionAttribute)
	}
	a.flavor = FlavorAny
	a.params = nil
	a.form = nil
	a.includeCount = 0
	a.req = nil
	a.resp = nil
	a.page = nil
	a.template = nil
}

func (a *Action) startResponse() (Decision, error) {
	d, err := a.handler.StartResponse(a)
	return d, wrapStage(a, "startResponse", err)
}

func (a *Action) startPage() (Decision, error) {
	d, err := a.handler.StartPage(a)
	return d, wrapStage(a, "startPage", err)
}

func (a *Action) startHeader() (Decision, error) {
	d, err := a.handler.StartHeader(a)
	return d, wrapStage(a, "startHeader", err)
}

func (a *Action) startStage(composer string) (Decision, error) {
	d, err := a.handler.StartStage(a, composer)
	return d, wrapStage(a, "startStage "+composer, err)
}

func (a *Action) startComposer(composer string) (Decision, error) {
	d, err := a.handler.StartComposer(a, composer)
	return d, wrapStage(a, "startComposer "+composer, err)
}

func (a *Action) startPagelet(composer string, position int) (Decision, error) {
	d, err := a.handler.StartPagelet(a, composer, position)
	return d, wrapStage(a, fmt.Sprintf("startPagelet %s/%d", composer, position), err)
}

func (a *Action) cleanup() { a.handler.Cleanup(a) }
