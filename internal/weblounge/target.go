package weblounge

import (
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/text/encoding/htmlindex"
)

// Request parameters naming the target page and template.
const (
	TargetParameter         = "target"
	TargetTemplateParameter = "target-template"
)

// TargetResolver finds the page and template an action's output is
// composed onto.
type TargetResolver struct {
	logger logr.Logger
}

func NewTargetResolver(logger logr.Logger) *TargetResolver {
	return &TargetResolver{logger: logger}
}

// Page returns the target page. A page named by the target parameter or by
// the action configuration must exist; only when neither names one is the
// site homepage used.
func (t *TargetResolver) Page(req *Request, cfg *ActionConfig) (*Page, error) {
	site := req.Site()

	target := ""
	if v := req.Parameter(TargetParameter); v != "" {
		target = t.decode(v, req.charset())
	} else if cfg.targetURL != "" {
		target = cfg.targetURL
	}
	if target != "" {
		p, ok := site.Page(target)
		if !ok {
			return nil, &ResolutionError{Kind: "target page", Target: target}
		}
		return p, nil
	}

	p, ok := site.Page("/")
	if !ok {
		return nil, &ResolutionError{Kind: "homepage", Target: site.ID()}
	}
	return p, nil
}

// decode converts a parameter value sent in charset to UTF-8. Percent
// decoding has already happened when the query was parsed.
func (t *TargetResolver) decode(v, charset string) string {
	if charset == defaultCharset || charset == "utf8" {
		return v
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		t.logger.V(DEBUG).Info("Unknown request charset, using target as is", "charset", charset)
		return v
	}
	s, err := enc.NewDecoder().String(v)
	if err != nil {
		t.logger.V(DEBUG).Info("Target does not decode", "charset", charset, "err", err.Error())
		return v
	}
	return s
}

// Template returns the template for page. Sources are tried in order: the
// TemplateAttribute request attribute, the target-template parameter, the
// action configuration, the page and the site default. A template named by
// any of them must exist.
func (t *TargetResolver) Template(req *Request, cfg *ActionConfig, page *Page) (Template, error) {
	site := req.Site()

	id := ""
	if v, ok := req.Attribute(TemplateAttribute); ok {
		id, _ = v.(string)
	}
	if id == "" {
		id = req.Parameter(TargetTemplateParameter)
	}
	if id == "" {
		id = cfg.template
	}
	if id == "" && page != nil {
		id = page.Template
	}
	if id == "" {
		id = site.DefaultTemplate()
	}
	if id == "" {
		return nil, &RenderingError{Action: cfg.String(), Stage: "target template", Err: fmt.Errorf("site %s has no default template", site.ID())}
	}
	tmpl, ok := site.Template(id)
	if !ok {
		return nil, &RenderingError{Action: cfg.String(), Stage: "target template", Err: fmt.Errorf("template %q not found", id)}
	}
	return tmpl, nil
}
