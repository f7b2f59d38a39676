package weblounge

import (
	"errors"
	"fmt"
)

var errNoRenderer = errors.New("no renderer")

// Include renders renderer id of the action's own module into the
// response, inside a cache part tagged with the include position.
func (a *Action) Include(id string, data any) error {
	return a.IncludeFrom(a.cfg.module, id, data)
}

// IncludeFrom renders renderer id of module moduleID.
func (a *Action) IncludeFrom(moduleID, id string, data any) error {
	m, ok := a.site.Module(moduleID)
	if !ok {
		return wrapStage(a, "include", fmt.Errorf("module %q not found", moduleID))
	}
	r, ok := m.Renderer(id)
	if !ok || r == nil {
		return wrapStage(a, "include", fmt.Errorf("renderer %s/%s: %w", moduleID, id, errNoRenderer))
	}
	defer m.ReturnRenderer(r)
	return a.IncludeRenderer(m, r, data)
}

// IncludeRenderer renders r. The module may be nil, in which case the one
// named by the renderer is looked up. Every call takes the next include
// position, whether the part turns out to be cached or not. A missing
// renderer or module fails before any cache part is opened.
func (a *Action) IncludeRenderer(m Module, r Renderer, data any) error {
	if r == nil {
		return wrapStage(a, "include", errNoRenderer)
	}
	if m == nil {
		var ok bool
		if m, ok = a.site.Module(r.Module()); !ok {
			return wrapStage(a, "include", fmt.Errorf("module %q of renderer %s not found", r.Module(), r.ID()))
		}
	}
	if a.req == nil || a.resp == nil {
		return fmt.Errorf("include into action %s in state %s: %w", a.cfg, a.state, errActionState)
	}

	tags := requestTags(a.req, a.cfg.module, a.cfg.id)
	tags.AddInt(TagPosition, a.includeCount)
	a.includeCount++

	err := a.renderPart(tags, m, r, data)
	return wrapStage(a, "include "+m.ID()+"/"+r.ID(), err)
}

func (a *Action) renderPart(tags TagSet, m Module, r Renderer, data any) error {
	_, err := a.resp.Part(tags, r.ValidTime(), r.RecheckTime(), func() error {
		a.resp.AddTag(TagRenderer, r.ID())
		a.resp.AddTag(TagModule, m.ID())
		defer r.Cleanup()
		return r.Render(a.req, a.resp, data)
	})
	return err
}
