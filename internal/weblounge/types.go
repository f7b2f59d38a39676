package weblounge

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheEntry is one memoized unit of output, either a whole action response
// or a single included fragment.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32

	// Tags is the sorted tag set the entry was stored under. It is compared
	// on lookup so a digest collision never serves foreign output.
	Tags []Tag

	// Extra holds tags added while the entry was rendered (renderer, module).
	// They take part in invalidation but not in the key.
	Extra []Tag
}

func (e CacheEntry) age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.StoredAt))
}

// Decision is the answer of one protocol stage.
type Decision int

const (
	// Eval delegates the scope to default rendering.
	Eval Decision = iota
	// Skip means the action produced the output of the scope itself.
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "eval"
}

// Flavor is the output representation requested by a client.
type Flavor int

const (
	FlavorAny Flavor = iota
	FlavorHTML
	FlavorXML
	FlavorJSON
	FlavorAjax
)

var flavorNames = map[Flavor]string{
	FlavorAny:  "any",
	FlavorHTML: "html",
	FlavorXML:  "xml",
	FlavorJSON: "json",
	FlavorAjax: "ajax",
}

func (f Flavor) String() string {
	if n, ok := flavorNames[f]; ok {
		return n
	}
	return fmt.Sprintf("flavor(%d)", int(f))
}

// ParseFlavor parses a flavor name, case-insensitively.
func ParseFlavor(s string) (Flavor, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, n := range flavorNames {
		if n == s {
			return f, nil
		}
	}
	return FlavorAny, fmt.Errorf("unknown flavor %q", s)
}

func (f *Flavor) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseFlavor(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// flavorFromExtension maps a path extension to the flavor it requests.
func flavorFromExtension(ext string) (Flavor, bool) {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return FlavorHTML, true
	case ".xml":
		return FlavorXML, true
	case ".json":
		return FlavorJSON, true
	}
	return FlavorAny, false
}

// ExtensionMode says whether an action accepts URL segments beyond its
// mountpoint.
type ExtensionMode int

const (
	// ExtensionPath matches the mountpoint and every path below it.
	ExtensionPath ExtensionMode = iota
	// ExtensionNone matches the mountpoint only.
	ExtensionNone
)

func (m ExtensionMode) String() string {
	if m == ExtensionNone {
		return "none"
	}
	return "path"
}

func (m *ExtensionMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "path":
		*m = ExtensionPath
	case "none":
		*m = ExtensionNone
	default:
		return fmt.Errorf("unknown extension mode %q", s)
	}
	return nil
}
