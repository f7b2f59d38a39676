package weblounge

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int      `yaml:"port"`
		MetricsAddr     string   `yaml:"metricsAddr"`
		BorrowTimeout   string   `yaml:"borrowTimeout"`
		MaxUploadMemory ByteSize `yaml:"maxUploadMemory"`
	} `yaml:"server"`

	Storage struct {
		RAM struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			// an empty path disables the disk tier
			Path string   `yaml:"path"`
			Max  ByteSize `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
		Development   bool   `yaml:"development"`
	} `yaml:"logging"`

	URLCache struct {
		Capacity uint64 `yaml:"capacity"`
	} `yaml:"urlCache"`

	Sites []SiteSpec `yaml:"sites"`

	// compiled
	borrowTimeout time.Duration
	statsEvery    time.Duration
	sites         []*compiledSite
}

type SiteSpec struct {
	ID              string         `yaml:"id"`
	Hosts           []string       `yaml:"hosts"`
	Languages       []string       `yaml:"languages"`
	DefaultTemplate string         `yaml:"defaultTemplate"`
	Templates       []TemplateSpec `yaml:"templates"`
	Pages           []PageSpec     `yaml:"pages"`
	Modules         []ModuleSpec   `yaml:"modules"`
}

type TemplateSpec struct {
	ID        string   `yaml:"id"`
	Stage     string   `yaml:"stage"`
	Composers []string `yaml:"composers"`
	Head      string   `yaml:"head"`
}

type PageSpec struct {
	Path      string                   `yaml:"path"`
	Title     string                   `yaml:"title"`
	Template  string                   `yaml:"template"`
	Composers map[string][]PageletSpec `yaml:"composers"`
}

type PageletSpec struct {
	Module     string            `yaml:"module"`
	Renderer   string            `yaml:"renderer"`
	Properties map[string]string `yaml:"properties"`
}

type ModuleSpec struct {
	ID        string         `yaml:"id"`
	Renderers []RendererSpec `yaml:"renderers"`
	Actions   []ActionSpec   `yaml:"actions"`
}

type RendererSpec struct {
	ID      string `yaml:"id"`
	Valid   string `yaml:"valid"`
	Recheck string `yaml:"recheck"`
	Markup  string `yaml:"markup"`
}

type ActionSpec struct {
	ID         string              `yaml:"id"`
	Handler    string              `yaml:"handler"`
	Mountpoint string              `yaml:"mountpoint"`
	Extension  ExtensionMode       `yaml:"extension"`
	Variant    Flavor              `yaml:"variant"`
	Flavors    []Flavor            `yaml:"flavors"`
	Page       string              `yaml:"page"`
	Template   string              `yaml:"template"`
	Stage      string              `yaml:"stage"`
	Methods    []string            `yaml:"methods"`
	Valid      string              `yaml:"valid"`
	Recheck    string              `yaml:"recheck"`
	Options    map[string][]string `yaml:"options"`
	Pool       struct {
		MaxActive int  `yaml:"maxActive"`
		MaxIdle   *int `yaml:"maxIdle"`
	} `yaml:"pool"`
}

type compiledSite struct {
	id      string
	content *siteContent
	actions []*ActionConfig
}

func (c *Config) BorrowTimeout() time.Duration { return c.borrowTimeout }
func (c *Config) StatsEvery() time.Duration    { return c.statsEvery }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes, defaults and validates a YAML configuration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, &ConfigurationError{Field: "yaml", Err: err}
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BorrowTimeout == "" {
		c.Server.BorrowTimeout = "2s"
	}
	if c.Server.MaxUploadMemory == 0 {
		c.Server.MaxUploadMemory = 8 << 20
	}
	if c.Storage.RAM.Max == 0 {
		c.Storage.RAM.Max = 64 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.URLCache.Capacity == 0 {
		c.URLCache.Capacity = 10000
	}

	var err error
	if c.borrowTimeout, err = parseDuration("server.borrowTimeout", c.Server.BorrowTimeout); err != nil {
		return err
	}
	if c.statsEvery, err = parseDuration("logging.logStatsEvery", c.Logging.LogStatsEvery); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return &ConfigurationError{Field: "logging.level", Err: err}
	}

	ids := map[string]bool{}
	hosts := map[string]string{}
	c.sites = c.sites[:0]
	for i := range c.Sites {
		field := fmt.Sprintf("sites[%d]", i)
		s := &c.Sites[i]
		if s.ID == "" {
			return configErrorf(field+".id", "must not be empty")
		}
		if ids[s.ID] {
			return configErrorf(field+".id", "duplicate site %q", s.ID)
		}
		ids[s.ID] = true
		for _, h := range s.Hosts {
			h = strings.ToLower(h)
			if other, ok := hosts[h]; ok {
				return configErrorf(field+".hosts", "host %q already served by site %q", h, other)
			}
			hosts[h] = s.ID
		}
		cs, err := compileSite(field, s)
		if err != nil {
			return err
		}
		c.sites = append(c.sites, cs)
	}
	return nil
}

func compileSite(field string, s *SiteSpec) (*compiledSite, error) {
	content := &siteContent{
		hosts:           append([]string(nil), s.Hosts...),
		languages:       append([]string(nil), s.Languages...),
		defaultTemplate: s.DefaultTemplate,
		pages:           map[string]*Page{},
		templates:       map[string]*markupTemplate{},
		modules:         map[string]*staticModule{},
	}
	if len(content.languages) == 0 {
		content.languages = []string{"en"}
	}

	for i, ts := range s.Templates {
		f := fmt.Sprintf("%s.templates[%d]", field, i)
		if ts.ID == "" {
			return nil, configErrorf(f+".id", "must not be empty")
		}
		if _, dup := content.templates[ts.ID]; dup {
			return nil, configErrorf(f+".id", "duplicate template %q", ts.ID)
		}
		if ts.Stage != "" && !slices.Contains(ts.Composers, ts.Stage) {
			return nil, configErrorf(f+".stage", "stage %q is not one of the composers", ts.Stage)
		}
		t, err := newMarkupTemplate(ts.ID, ts.Stage, ts.Composers, ts.Head)
		if err != nil {
			return nil, &ConfigurationError{Field: f + ".head", Err: err}
		}
		content.templates[ts.ID] = t
	}
	if s.DefaultTemplate != "" {
		if _, ok := content.templates[s.DefaultTemplate]; !ok {
			return nil, configErrorf(field+".defaultTemplate", "unknown template %q", s.DefaultTemplate)
		}
	}

	for i, ms := range s.Modules {
		f := fmt.Sprintf("%s.modules[%d]", field, i)
		if ms.ID == "" {
			return nil, configErrorf(f+".id", "must not be empty")
		}
		if _, dup := content.modules[ms.ID]; dup {
			return nil, configErrorf(f+".id", "duplicate module %q", ms.ID)
		}
		m := &staticModule{id: ms.ID, renderers: map[string]*markupRenderer{}}
		for j, rs := range ms.Renderers {
			rf := fmt.Sprintf("%s.renderers[%d]", f, j)
			r, err := compileRenderer(rf, ms.ID, rs)
			if err != nil {
				return nil, err
			}
			if _, dup := m.renderers[rs.ID]; dup {
				return nil, configErrorf(rf+".id", "duplicate renderer %q", rs.ID)
			}
			m.renderers[rs.ID] = r
		}
		content.modules[ms.ID] = m
	}

	for i, ps := range s.Pages {
		f := fmt.Sprintf("%s.pages[%d]", field, i)
		if !strings.HasPrefix(ps.Path, "/") {
			return nil, configErrorf(f+".path", "%q must start with /", ps.Path)
		}
		if _, dup := content.pages[ps.Path]; dup {
			return nil, configErrorf(f+".path", "duplicate page %q", ps.Path)
		}
		if ps.Template != "" {
			if _, ok := content.templates[ps.Template]; !ok {
				return nil, configErrorf(f+".template", "unknown template %q", ps.Template)
			}
		}
		p := &Page{Path: ps.Path, Title: ps.Title, Template: ps.Template, Composers: map[string][]Pagelet{}}
		for _, composer := range sortedKeys(ps.Composers) {
			for j, pl := range ps.Composers[composer] {
				pf := fmt.Sprintf("%s.composers.%s[%d]", f, composer, j)
				m, ok := content.modules[pl.Module]
				if !ok {
					return nil, configErrorf(pf+".module", "unknown module %q", pl.Module)
				}
				if _, ok := m.renderers[pl.Renderer]; !ok {
					return nil, configErrorf(pf+".renderer", "unknown renderer %s/%s", pl.Module, pl.Renderer)
				}
				p.Composers[composer] = append(p.Composers[composer], Pagelet{
					Module:     pl.Module,
					Renderer:   pl.Renderer,
					Properties: pl.Properties,
				})
			}
		}
		content.pages[ps.Path] = p
	}

	cs := &compiledSite{id: s.ID, content: content}
	for i, ms := range s.Modules {
		for j, as := range ms.Actions {
			f := fmt.Sprintf("%s.modules[%d].actions[%d]", field, i, j)
			ac, err := compileAction(f, s.ID, content, ms.ID, as)
			if err != nil {
				return nil, err
			}
			cs.actions = append(cs.actions, ac)
		}
	}
	return cs, nil
}

func compileRenderer(field, module string, rs RendererSpec) (*markupRenderer, error) {
	if rs.ID == "" {
		return nil, configErrorf(field+".id", "must not be empty")
	}
	valid, err := parseDuration(field+".valid", rs.Valid)
	if err != nil {
		return nil, err
	}
	recheck, err := parseDuration(field+".recheck", rs.Recheck)
	if err != nil {
		return nil, err
	}
	r, err := newMarkupRenderer(module, rs.ID, rs.Markup, valid, recheck)
	if err != nil {
		return nil, &ConfigurationError{Field: field + ".markup", Err: err}
	}
	return r, nil
}

func compileAction(field, site string, content *siteContent, module string, as ActionSpec) (*ActionConfig, error) {
	valid, err := parseDuration(field+".valid", as.Valid)
	if err != nil {
		return nil, err
	}
	recheck, err := parseDuration(field+".recheck", as.Recheck)
	if err != nil {
		return nil, err
	}
	if as.Stage != "" {
		if _, ok := content.modules[module].renderers[as.Stage]; !ok {
			return nil, configErrorf(field+".stage", "unknown renderer %s/%s", module, as.Stage)
		}
	}
	if as.Template != "" {
		if _, ok := content.templates[as.Template]; !ok {
			return nil, configErrorf(field+".template", "unknown template %q", as.Template)
		}
	}

	opts := []ActionOption{
		WithHandler(as.Handler),
		WithExtension(as.Extension),
		WithTargetURL(as.Page),
		WithTemplate(as.Template),
		WithStageRenderer(as.Stage),
		WithCacheTimes(valid, recheck),
	}
	if as.Variant != FlavorAny {
		opts = append(opts, WithVariant(as.Variant))
	}
	if len(as.Flavors) > 0 {
		opts = append(opts, WithFlavors(as.Flavors...))
	}
	if len(as.Methods) > 0 {
		opts = append(opts, WithMethods(as.Methods...))
	}
	for _, name := range sortedKeys(as.Options) {
		opts = append(opts, WithOption(name, as.Options[name]...))
	}
	maxIdle := 8
	if as.Pool.MaxIdle != nil {
		maxIdle = *as.Pool.MaxIdle
	}
	opts = append(opts, WithPoolSize(as.Pool.MaxActive, maxIdle))

	ac, err := NewActionConfig(site, module, as.ID, as.Mountpoint, opts...)
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			return nil, &ConfigurationError{Field: field + "." + ce.Field, Err: ce.Err}
		}
		return nil, err
	}
	return ac, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigurationError{Field: field, Err: err}
	}
	if d < 0 {
		return 0, configErrorf(field, "must not be negative")
	}
	return d, nil
}
