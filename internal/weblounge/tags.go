package weblounge

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Tag names of the cache facets derived from a request.
const (
	TagSite       = "site"
	TagURL        = "url"
	TagLanguage   = "language"
	TagUser       = "user"
	TagModule     = "module"
	TagAction     = "action"
	TagPosition   = "position"
	TagComposer   = "composer"
	TagParameters = "parameters"
	TagRenderer   = "renderer"
)

// Tag is one (name, value) facet of a cacheable unit of output.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (t Tag) String() string { return t.Name + "=" + t.Value }

func tagLess(a, b Tag) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Value < b.Value
}

// TagSet is an unordered multiset of tags. Two sets holding the same tags
// in any order have the same Key.
type TagSet struct {
	tags []Tag
}

// NewTagSet returns a set holding tags.
func NewTagSet(tags ...Tag) TagSet {
	return TagSet{tags: append([]Tag(nil), tags...)}
}

func (s *TagSet) Add(name, value string) {
	s.tags = append(s.tags, Tag{Name: name, Value: value})
}

func (s *TagSet) AddInt(name string, value int) {
	s.Add(name, strconv.Itoa(value))
}

func (s TagSet) Len() int { return len(s.tags) }

// Tags returns the tags in canonical order.
func (s TagSet) Tags() []Tag {
	out := append([]Tag(nil), s.tags...)
	sort.Slice(out, func(i, j int) bool { return tagLess(out[i], out[j]) })
	return out
}

// Values returns every value stored under name, in canonical order.
func (s TagSet) Values(name string) []string {
	var out []string
	for _, t := range s.Tags() {
		if t.Name == name {
			out = append(out, t.Value)
		}
	}
	return out
}

// Key is the digest of the canonical tag sequence.
func (s TagSet) Key() string {
	h := xxhash.New()
	for _, t := range s.Tags() {
		_, _ = h.WriteString(t.Name)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(t.Value)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (s TagSet) String() string {
	parts := make([]string, 0, len(s.tags))
	for _, t := range s.Tags() {
		parts = append(parts, t.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func equalTags(a, b []Tag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// containsAll reports whether every tag of want occurs in have.
func containsAll(have []Tag, want []Tag) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// requestTags builds the tag set identifying the output of an action (and,
// with a position added, of one of its includes) for req.
func requestTags(req *Request, module, action string) TagSet {
	var s TagSet
	s.Add(TagSite, req.Site().ID())
	s.Add(TagURL, req.URL())
	s.Add(TagURL, req.RequestedURL())
	s.Add(TagLanguage, req.Language())
	s.Add(TagUser, req.User())
	s.Add(TagModule, module)
	s.Add(TagAction, action)
	params := req.Parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range params[name] {
			s.Add(name, v)
		}
	}
	s.AddInt(TagParameters, len(names))
	return s
}
