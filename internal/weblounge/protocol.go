package weblounge

import (
	"fmt"
	"html"

	"github.com/go-logr/logr"
)

// flavorStrategy is the default behavior of one output flavor.
type flavorStrategy struct {
	contentType string
	render      func(p *Protocol, a *Action) error
}

var flavorStrategies = map[Flavor]flavorStrategy{
	FlavorHTML: {contentType: "text/html; charset=utf-8", render: (*Protocol).renderPage},
	FlavorXML:  {contentType: "text/xml; charset=utf-8", render: (*Protocol).renderFragment},
	FlavorJSON: {contentType: "application/json; charset=utf-8", render: (*Protocol).renderFragment},
	FlavorAjax: {contentType: "text/html; charset=utf-8", render: (*Protocol).renderFragment},
}

// Protocol drives an action through its stages.
type Protocol struct {
	targets *TargetResolver
	logger  logr.Logger
}

func NewProtocol(targets *TargetResolver, logger logr.Logger) *Protocol {
	return &Protocol{targets: targets, logger: logger}
}

// Run renders the response of a configured and activated action. The
// action's Cleanup runs on every path out. A failing stage invalidates the
// response.
func (p *Protocol) Run(a *Action) (err error) {
	defer func() {
		if err != nil {
			a.resp.Invalidate()
		}
	}()
	defer a.cleanup()

	s, ok := flavorStrategies[a.flavor]
	if !ok {
		return &ResolutionError{Kind: "flavor", Target: a.flavor.String()}
	}
	if a.resp.Header().Get("Content-Type") == "" {
		a.resp.SetContentType(s.contentType)
	}

	d, err := a.startResponse()
	if err != nil || d == Skip {
		return err
	}
	return s.render(p, a)
}

func (p *Protocol) renderPage(a *Action) error {
	page, err := p.targets.Page(a.req, a.cfg)
	if err != nil {
		return err
	}
	tmpl, err := p.targets.Template(a.req, a.cfg, page)
	if err != nil {
		return err
	}
	defer tmpl.Cleanup()
	a.page, a.template = page, tmpl

	d, err := a.startPage()
	if err != nil || d == Skip {
		return err
	}

	resp := a.resp
	fmt.Fprintf(resp, "<!DOCTYPE html>\n<html lang=\"%s\">\n<head>", html.EscapeString(a.req.Language()))
	d, err = a.startHeader()
	if err != nil {
		return err
	}
	if d == Eval {
		if err := tmpl.RenderHead(a.req, resp); err != nil {
			return wrapStage(a, "head", err)
		}
	}
	resp.WriteString("</head>\n<body>\n")
	for _, c := range tmpl.Composers() {
		if err := p.renderComposer(a, tmpl, c); err != nil {
			return err
		}
	}
	resp.WriteString("</body>\n</html>\n")
	return nil
}

func (p *Protocol) renderComposer(a *Action, tmpl Template, composer string) error {
	fmt.Fprintf(a.resp, "<div id=\"%s\">", html.EscapeString(composer))
	if err := p.composerBody(a, tmpl, composer); err != nil {
		return err
	}
	a.resp.WriteString("</div>\n")
	return nil
}

func (p *Protocol) composerBody(a *Action, tmpl Template, composer string) error {
	if composer == tmpl.Stage() {
		d, err := a.startStage(composer)
		if err != nil || d == Skip {
			return err
		}
	}
	d, err := a.startComposer(composer)
	if err != nil || d == Skip {
		return err
	}
	for i, pl := range a.page.Pagelets(composer) {
		d, err := a.startPagelet(composer, i)
		if err != nil {
			return err
		}
		if d == Skip {
			continue
		}
		if err := p.renderPagelet(a, composer, i, pl); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) renderPagelet(a *Action, composer string, position int, pl Pagelet) error {
	stage := fmt.Sprintf("pagelet %s/%d", composer, position)
	m, ok := a.site.Module(pl.Module)
	if !ok {
		return wrapStage(a, stage, fmt.Errorf("module %q not found", pl.Module))
	}
	r, ok := m.Renderer(pl.Renderer)
	if !ok || r == nil {
		return wrapStage(a, stage, fmt.Errorf("renderer %s/%s: %w", pl.Module, pl.Renderer, errNoRenderer))
	}
	defer m.ReturnRenderer(r)

	a.req.SetAttribute(PageletAttribute, pl)
	defer a.req.RemoveAttribute(PageletAttribute)

	tags := requestTags(a.req, a.cfg.module, a.cfg.id)
	tags.Add(TagComposer, composer)
	tags.AddInt(TagPosition, position)
	return wrapStage(a, stage, a.renderPart(tags, m, r, pl))
}

// renderFragment serves the non page flavors: the stage renderer, when the
// action has one, is the whole body.
func (p *Protocol) renderFragment(a *Action) error {
	if a.cfg.stageRenderer == "" {
		p.logger.V(DEBUG).Info("No stage renderer, empty body", "action", a.cfg.String(), "flavor", a.flavor.String())
		return nil
	}
	return a.Include(a.cfg.stageRenderer, nil)
}
