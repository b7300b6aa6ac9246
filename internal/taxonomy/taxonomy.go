// Package taxonomy holds the three-level report category hierarchy
// (major → sub → leaf). A Taxonomy is immutable once built and is passed to
// the components that need it.
package taxonomy

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Category is a fully resolved leaf with its parents.
type Category struct {
	Major string `json:"major"`
	Sub   string `json:"sub"`
	Leaf  string `json:"leaf"`
}

// Tier describes how closely two categories agree.
type Tier int

const (
	TierNone Tier = iota
	TierMajor
	TierSub
	TierLeaf
)

func (t Tier) String() string {
	switch t {
	case TierLeaf:
		return "leaf"
	case TierSub:
		return "sub"
	case TierMajor:
		return "major"
	default:
		return "none"
	}
}

// Compare returns the deepest level at which a and b agree.
func Compare(a, b Category) Tier {
	switch {
	case a.Major != b.Major:
		return TierNone
	case a.Sub != b.Sub:
		return TierMajor
	case a.Leaf != b.Leaf:
		return TierSub
	default:
		return TierLeaf
	}
}

type Major struct {
	Name string `json:"name" yaml:"name"`
	Subs []Sub  `json:"subs" yaml:"subs"`
}

type Sub struct {
	Name   string   `json:"name" yaml:"name"`
	Leaves []string `json:"leaves" yaml:"leaves"`
}

type document struct {
	Majors []Major `yaml:"majors"`
}

type Taxonomy struct {
	majors []Major
	leaves map[string]Category
}

// New validates the tree and indexes its leaves. Leaf names must be unique
// across the whole tree so each leaf resolves to exactly one (major, sub).
func New(majors []Major) (*Taxonomy, error) {
	t := &Taxonomy{leaves: make(map[string]Category)}
	seenMajors := make(map[string]struct{}, len(majors))
	for _, major := range majors {
		majorName := strings.TrimSpace(major.Name)
		if majorName == "" {
			return nil, fmt.Errorf("taxonomy: major category without a name")
		}
		if _, dup := seenMajors[majorName]; dup {
			return nil, fmt.Errorf("taxonomy: duplicate major %q", majorName)
		}
		seenMajors[majorName] = struct{}{}

		copied := Major{Name: majorName}
		seenSubs := make(map[string]struct{}, len(major.Subs))
		for _, sub := range major.Subs {
			subName := strings.TrimSpace(sub.Name)
			if subName == "" {
				return nil, fmt.Errorf("taxonomy: sub category without a name under %q", majorName)
			}
			if _, dup := seenSubs[subName]; dup {
				return nil, fmt.Errorf("taxonomy: duplicate sub %q under %q", subName, majorName)
			}
			seenSubs[subName] = struct{}{}

			copiedSub := Sub{Name: subName}
			for _, leaf := range sub.Leaves {
				leafName := strings.TrimSpace(leaf)
				if leafName == "" {
					return nil, fmt.Errorf("taxonomy: empty leaf under %q / %q", majorName, subName)
				}
				if existing, dup := t.leaves[leafName]; dup {
					return nil, fmt.Errorf("taxonomy: leaf %q appears under both %q and %q", leafName, existing.Sub, subName)
				}
				t.leaves[leafName] = Category{Major: majorName, Sub: subName, Leaf: leafName}
				copiedSub.Leaves = append(copiedSub.Leaves, leafName)
			}
			if len(copiedSub.Leaves) == 0 {
				return nil, fmt.Errorf("taxonomy: sub %q under %q has no leaves", subName, majorName)
			}
			copied.Subs = append(copied.Subs, copiedSub)
		}
		t.majors = append(t.majors, copied)
	}
	if len(t.leaves) == 0 {
		return nil, fmt.Errorf("taxonomy: no categories defined")
	}
	return t, nil
}

func Load(r io.Reader) (*Taxonomy, error) {
	var doc document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	return New(doc.Majors)
}

func LoadFile(path string) (*Taxonomy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open taxonomy %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in taxonomy.
func Default() *Taxonomy {
	t, err := Load(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy is invalid: %v", err))
	}
	return t
}

// Resolve maps a leaf name to its full category.
func (t *Taxonomy) Resolve(leaf string) (Category, bool) {
	c, ok := t.leaves[strings.TrimSpace(leaf)]
	return c, ok
}

// Majors returns a deep copy of the tree in declaration order.
func (t *Taxonomy) Majors() []Major {
	out := make([]Major, len(t.majors))
	for i, major := range t.majors {
		out[i] = Major{Name: major.Name, Subs: make([]Sub, len(major.Subs))}
		for j, sub := range major.Subs {
			out[i].Subs[j] = Sub{Name: sub.Name, Leaves: append([]string(nil), sub.Leaves...)}
		}
	}
	return out
}

// Tier compares two categories, treating any leaf unknown to t as
// unrelated to everything.
func (t *Taxonomy) Tier(a, b Category) Tier {
	if _, ok := t.leaves[a.Leaf]; !ok {
		return TierNone
	}
	if _, ok := t.leaves[b.Leaf]; !ok {
		return TierNone
	}
	return Compare(a, b)
}

func (t *Taxonomy) LeafCount() int {
	return len(t.leaves)
}
