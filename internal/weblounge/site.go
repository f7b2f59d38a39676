package weblounge

import (
	"fmt"
	"html/template"
	"sort"
	"sync/atomic"
	"time"
)

// Renderer produces a fragment of output.
type Renderer interface {
	ID() string
	Module() string
	Render(req *Request, resp *Response, data any) error
	ValidTime() time.Duration
	RecheckTime() time.Duration
	Cleanup()
}

// Template is a page template: a head plus an ordered list of composers,
// one of which is the stage.
type Template interface {
	ID() string
	Stage() string
	Composers() []string
	RenderHead(req *Request, resp *Response) error
	Cleanup()
}

// Module owns renderers. Renderers obtained from Renderer are handed back
// with ReturnRenderer.
type Module interface {
	ID() string
	Renderer(id string) (Renderer, bool)
	ReturnRenderer(r Renderer)
}

// Site is the content a set of hosts serves.
type Site interface {
	ID() string
	Hosts() []string
	Languages() []string
	Page(path string) (*Page, bool)
	Template(id string) (Template, bool)
	DefaultTemplate() string
	Module(id string) (Module, bool)
}

// Page is a stored page: the template it is composed with and the pagelets
// of each composer.
type Page struct {
	Path      string
	Title     string
	Template  string
	Composers map[string][]Pagelet
}

// Pagelet is one fragment placed in a composer.
type Pagelet struct {
	Module     string
	Renderer   string
	Properties map[string]string
}

func (p *Page) Pagelets(composer string) []Pagelet {
	if p == nil {
		return nil
	}
	return p.Composers[composer]
}

// staticSite serves the content declared in the configuration file. Its
// content is swapped as a whole on reload.
type staticSite struct {
	id      string
	content atomic.Pointer[siteContent]
}

type siteContent struct {
	hosts           []string
	languages       []string
	defaultTemplate string
	pages           map[string]*Page
	templates       map[string]*markupTemplate
	modules         map[string]*staticModule
}

func newStaticSite(id string, c *siteContent) *staticSite {
	s := &staticSite{id: id}
	s.content.Store(c)
	return s
}

func (s *staticSite) swap(c *siteContent) { s.content.Store(c) }

func (s *staticSite) ID() string              { return s.id }
func (s *staticSite) Hosts() []string         { return s.content.Load().hosts }
func (s *staticSite) Languages() []string     { return s.content.Load().languages }
func (s *staticSite) DefaultTemplate() string { return s.content.Load().defaultTemplate }

func (s *staticSite) Page(path string) (*Page, bool) {
	p, ok := s.content.Load().pages[path]
	return p, ok
}

func (s *staticSite) Template(id string) (Template, bool) {
	t, ok := s.content.Load().templates[id]
	if !ok {
		return nil, false
	}
	return t, true
}

func (s *staticSite) Module(id string) (Module, bool) {
	m, ok := s.content.Load().modules[id]
	if !ok {
		return nil, false
	}
	return m, true
}

type staticModule struct {
	id        string
	renderers map[string]*markupRenderer
}

func (m *staticModule) ID() string { return m.id }

func (m *staticModule) Renderer(id string) (Renderer, bool) {
	r, ok := m.renderers[id]
	if !ok {
		return nil, false
	}
	return r, true
}

func (m *staticModule) ReturnRenderer(Renderer) {}

// markupRenderer executes an html/template snippet.
type markupRenderer struct {
	id      string
	module  string
	tmpl    *template.Template
	valid   time.Duration
	recheck time.Duration
}

// renderData is what a markup snippet is executed with.
type renderData struct {
	Site       string
	URL        string
	Language   string
	User       string
	Title      string
	Params     []string
	Properties map[string]string
	Data       any
}

func newMarkupRenderer(module, id, markup string, valid, recheck time.Duration) (*markupRenderer, error) {
	t, err := template.New(module + "/" + id).Option("missingkey=zero").Parse(markup)
	if err != nil {
		return nil, err
	}
	return &markupRenderer{id: id, module: module, tmpl: t, valid: valid, recheck: recheck}, nil
}

func (r *markupRenderer) ID() string                 { return r.id }
func (r *markupRenderer) Module() string             { return r.module }
func (r *markupRenderer) ValidTime() time.Duration   { return r.valid }
func (r *markupRenderer) RecheckTime() time.Duration { return r.recheck }
func (r *markupRenderer) Cleanup()                   {}

func (r *markupRenderer) Render(req *Request, resp *Response, data any) error {
	d := newRenderData(req, data)
	if err := r.tmpl.Execute(resp, d); err != nil {
		return fmt.Errorf("renderer %s/%s: %w", r.module, r.id, err)
	}
	return nil
}

func newRenderData(req *Request, data any) renderData {
	d := renderData{
		Site:     req.Site().ID(),
		URL:      req.URL(),
		Language: req.Language(),
		User:     req.User(),
		Data:     data,
	}
	switch v := data.(type) {
	case map[string]string:
		d.Properties = v
	case Pagelet:
		d.Properties = v.Properties
	}
	if a, ok := ActionFrom(req); ok {
		d.Params = a.URLParameters()
		if p := a.Page(); p != nil {
			d.Title = p.Title
		}
	}
	return d
}

type markupTemplate struct {
	id        string
	stage     string
	composers []string
	head      *template.Template
}

func newMarkupTemplate(id, stage string, composers []string, head string) (*markupTemplate, error) {
	t := &markupTemplate{id: id, stage: stage, composers: append([]string(nil), composers...)}
	if head != "" {
		h, err := template.New("head/" + id).Parse(head)
		if err != nil {
			return nil, err
		}
		t.head = h
	}
	return t, nil
}

func (t *markupTemplate) ID() string          { return t.id }
func (t *markupTemplate) Stage() string       { return t.stage }
func (t *markupTemplate) Composers() []string { return t.composers }
func (t *markupTemplate) Cleanup()            {}

func (t *markupTemplate) RenderHead(req *Request, resp *Response) error {
	d := newRenderData(req, nil)
	if _, err := fmt.Fprintf(resp, "<title>%s</title>", template.HTMLEscapeString(d.Title)); err != nil {
		return err
	}
	if t.head == nil {
		return nil
	}
	return t.head.Execute(resp, d)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
