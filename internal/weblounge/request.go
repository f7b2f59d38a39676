package weblounge

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/language"
)

// Request attribute names used by the dispatcher.
const (
	// ActionAttribute holds the *Action serving the request.
	ActionAttribute = "weblounge.action"
	// TemplateAttribute, when set to a template id, overrides every other
	// source of the target template.
	TemplateAttribute = "weblounge.template"
	// PageletAttribute holds the Pagelet currently being rendered.
	PageletAttribute = "weblounge.pagelet"
)

const (
	defaultUser    = "guest"
	defaultCharset = "utf-8"
)

type userKey struct{}

// WithUser returns a context carrying the login of the requesting user.
// Establishing that identity is left to the surrounding HTTP stack.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey{}).(string)
	return u, ok && u != ""
}

// Request is the per-request view handed to actions and renderers.
type Request struct {
	raw       *http.Request
	site      Site
	url       string
	requested string
	language  string
	user      string
	flavor    Flavor
	attrs     map[string]any
	// formErr is the query or form body parse failure, if any.
	formErr   error
}

func newRequest(r *http.Request, site Site) *Request {
	req := &Request{
		raw:       r,
		site:      site,
		requested: r.URL.Path,
		user:      defaultUser,
		attrs:     map[string]any{},
		formErr:   r.ParseForm(),
	}
	if u, ok := UserFromContext(r.Context()); ok {
		req.user = u
	}

	p := path.Clean("/" + r.URL.Path)
	if f, ok := flavorFromExtension(path.Ext(p)); ok {
		req.flavor = f
		p = strings.TrimSuffix(p, path.Ext(p))
		if p == "" {
			p = "/"
		}
	} else if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		req.flavor = FlavorAjax
	}
	req.url = p
	req.language = negotiateLanguage(r, site.Languages())
	return req
}

func negotiateLanguage(r *http.Request, supported []string) string {
	if len(supported) == 0 {
		return "en"
	}
	if l := r.URL.Query().Get("lang"); l != "" {
		for _, s := range supported {
			if strings.EqualFold(s, l) {
				return s
			}
		}
	}
	var (
		tags  []language.Tag
		names []string
	)
	for _, s := range supported {
		t, err := language.Parse(s)
		if err != nil {
			continue
		}
		tags = append(tags, t)
		names = append(names, s)
	}
	if len(tags) > 0 {
		accept, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
		if err == nil && len(accept) > 0 {
			_, idx, conf := language.NewMatcher(tags).Match(accept...)
			if conf != language.No {
				return names[idx]
			}
		}
	}
	return supported[0]
}

func (r *Request) Context() context.Context   { return r.raw.Context() }
func (r *Request) HTTPRequest() *http.Request { return r.raw }
func (r *Request) Method() string             { return r.raw.Method }
func (r *Request) Header() http.Header        { return r.raw.Header }
func (r *Request) Site() Site                 { return r.site }

// URL is the cleaned request path with any flavor extension removed.
func (r *Request) URL() string { return r.url }

// RequestedURL is the path exactly as the client sent it.
func (r *Request) RequestedURL() string { return r.requested }

func (r *Request) Language() string { return r.language }
func (r *Request) User() string     { return r.user }

// Flavor is the flavor the client asked for, FlavorAny when it did not.
func (r *Request) Flavor() Flavor { return r.flavor }

// Parameters returns query and form parameters.
func (r *Request) Parameters() url.Values {
	if r.raw.Form == nil {
		return r.raw.URL.Query()
	}
	return r.raw.Form
}

func (r *Request) Parameter(name string) string { return r.Parameters().Get(name) }

func (r *Request) HasParameter(name string) bool {
	_, ok := r.Parameters()[name]
	return ok
}

func (r *Request) Attribute(name string) (any, bool) {
	v, ok := r.attrs[name]
	return v, ok
}

func (r *Request) SetAttribute(name string, v any) { r.attrs[name] = v }
func (r *Request) RemoveAttribute(name string)     { delete(r.attrs, name) }

// charset is the charset declared by the request body, utf-8 when absent.
func (r *Request) charset() string {
	ct := r.raw.Header.Get("Content-Type")
	if ct == "" {
		return defaultCharset
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil || params["charset"] == "" {
		return defaultCharset
	}
	return strings.ToLower(params["charset"])
}

func (r *Request) isMultipart() bool {
	ct := r.raw.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "multipart/form-data"
}

// ActionFrom returns the action serving req.
func ActionFrom(req *Request) (*Action, bool) {
	v, ok := req.Attribute(ActionAttribute)
	if !ok {
		return nil, false
	}
	a, ok := v.(*Action)
	return a, ok
}
