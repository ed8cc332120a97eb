package delta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ProjectData is the canonical, server-side project data that deltas are
// applied against: a set of layers, each holding features keyed by their
// local id. It is the working-copy representation the engine mutates; the
// worker runtime stages it from object storage and writes it back only after
// a successful run.
type ProjectData struct {
	ProjectID string            `json:"projectId,omitempty"`
	Layers    map[string]*Layer `json:"layers"`
}

// Layer is one vector layer of the project.
type Layer struct {
	Name     string              `json:"name,omitempty"`
	Features map[string]*Feature `json:"features"`
}

// Feature is one feature's canonical value: attributes plus an optional
// geometry in canonical WKT.
type Feature struct {
	Attributes map[string]any `json:"attributes,omitempty"`
	Geometry   *string        `json:"geometry,omitempty"`
}

// Load reads project data from a JSON file.
func Load(path string) (*ProjectData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project data: %w", err)
	}
	var pd ProjectData
	if err := json.Unmarshal(b, &pd); err != nil {
		return nil, fmt.Errorf("decode project data %s: %w", path, err)
	}
	if pd.Layers == nil {
		pd.Layers = make(map[string]*Layer)
	}
	return &pd, nil
}

// Save writes the project data atomically: a temp file in the same directory
// renamed over the target, so readers never observe a partial write.
func (pd *ProjectData) Save(path string) error {
	b, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project data: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".projectdata-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write project data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace project data: %w", err)
	}
	return nil
}

// Clone returns a deep copy. The engine stages each delta against a clone and
// commits it back only when the whole delta succeeds.
func (pd *ProjectData) Clone() *ProjectData {
	out := &ProjectData{ProjectID: pd.ProjectID, Layers: make(map[string]*Layer, len(pd.Layers))}
	for id, l := range pd.Layers {
		nl := &Layer{Name: l.Name, Features: make(map[string]*Feature, len(l.Features))}
		for fid, f := range l.Features {
			nl.Features[fid] = f.Clone()
		}
		out.Layers[id] = nl
	}
	return out
}

// Clone returns a deep copy of the feature.
func (f *Feature) Clone() *Feature {
	nf := &Feature{}
	if f.Attributes != nil {
		nf.Attributes = make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			nf.Attributes[k] = deepCopyValue(v)
		}
	}
	if f.Geometry != nil {
		g := *f.Geometry
		nf.Geometry = &g
	}
	return nf
}

// deepCopyValue copies a decoded JSON value (scalars, maps, slices).
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// nanPattern matches non-standard `nan` coordinate values inside WKT, which
// some field clients emit and which are normalized to 0 before comparison.
var nanPattern = regexp.MustCompile(`(?i)\bnan\b`)

var wktSpaces = regexp.MustCompile(`\s+`)

// CanonicalWKT normalizes a WKT string for exact comparison: surrounding
// whitespace trimmed, runs of whitespace collapsed, `nan` ordinates replaced
// with 0, type keyword uppercased and separated from the coordinate list by
// exactly one space, so POINT(1 2) and POINT (1 2) compare equal.
func CanonicalWKT(wkt string) string {
	s := strings.TrimSpace(wkt)
	s = nanPattern.ReplaceAllString(s, "0")
	s = wktSpaces.ReplaceAllString(s, " ")
	if i := strings.IndexByte(s, '('); i > 0 {
		head := strings.ToUpper(strings.TrimRight(s[:i], " "))
		s = head + " " + s[i:]
	} else if i < 0 {
		s = strings.ToUpper(s) // e.g. "POINT EMPTY"
	}
	return s
}

// geometryEqual compares two optional geometries by canonical WKT.
func geometryEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return CanonicalWKT(*a) == CanonicalWKT(*b)
}
