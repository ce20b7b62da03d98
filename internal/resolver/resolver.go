// Package resolver maps candidate files to their target knowledge base and
// the filters that apply to them.
package resolver

import (
	"path/filepath"
	"strings"

	"github.com/agentworkforce/kbsync/internal/filter"
)

type Mode int

const (
	ModeNone Mode = iota
	ModeSingle
	ModeMappings
	ModeLegacy
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMappings:
		return "mappings"
	case ModeLegacy:
		return "legacy"
	default:
		return "none"
	}
}

type Mapping struct {
	Path          string
	KnowledgeBase string
	Filters       filter.Filters
}

type Options struct {
	SyncRoot            string
	SingleKnowledgeBase string
	Mappings            []Mapping
	// LegacyMapping is the flat "path:kb,path:kb" form. It is only consulted
	// when neither a single knowledge base nor Mappings are configured.
	LegacyMapping string
}

type Resolution struct {
	KnowledgeBase string
	Filters       filter.Filters
	Root          string
	Matched       bool
}

type Resolver struct {
	syncRoot string
	mode     Mode
	single   string
	entries  []Mapping
}

// New picks the first configured mode in priority order: single knowledge
// base, structured mappings, legacy string. Modes are never merged.
func New(opts Options) *Resolver {
	r := &Resolver{syncRoot: filepath.Clean(strings.TrimSpace(opts.SyncRoot))}
	if name := strings.TrimSpace(opts.SingleKnowledgeBase); name != "" {
		r.mode = ModeSingle
		r.single = name
		return r
	}
	entries := opts.Mappings
	r.mode = ModeMappings
	if len(entries) == 0 {
		entries = ParseLegacyMapping(opts.LegacyMapping)
		r.mode = ModeLegacy
	}
	for _, entry := range entries {
		entry.KnowledgeBase = strings.TrimSpace(entry.KnowledgeBase)
		if strings.TrimSpace(entry.Path) == "" || entry.KnowledgeBase == "" {
			continue
		}
		entry.Path = r.absolute(entry.Path)
		r.entries = append(r.entries, entry)
	}
	if len(r.entries) == 0 {
		r.mode = ModeNone
	}
	return r
}

func (r *Resolver) Mode() Mode {
	return r.mode
}

// Single returns the single knowledge base name, if that mode is active.
func (r *Resolver) Single() (string, bool) {
	return r.single, r.mode == ModeSingle
}

func (r *Resolver) Resolve(path string) Resolution {
	if r.mode == ModeSingle {
		return Resolution{KnowledgeBase: r.single, Root: r.syncRoot, Matched: true}
	}
	path = r.absolute(path)
	for _, entry := range r.entries {
		if isAncestor(entry.Path, path) {
			return Resolution{
				KnowledgeBase: entry.KnowledgeBase,
				Filters:       entry.Filters,
				Root:          entry.Path,
				Matched:       true,
			}
		}
	}
	return Resolution{}
}

// KnowledgeBases lists every distinct target name in configuration order.
func (r *Resolver) KnowledgeBases() []string {
	if r.mode == ModeSingle {
		return []string{r.single}
	}
	seen := make(map[string]bool, len(r.entries))
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		if seen[entry.KnowledgeBase] {
			continue
		}
		seen[entry.KnowledgeBase] = true
		out = append(out, entry.KnowledgeBase)
	}
	return out
}

func (r *Resolver) absolute(path string) string {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) && r.syncRoot != "" && r.syncRoot != "." {
		path = filepath.Join(r.syncRoot, path)
	}
	return filepath.Clean(path)
}

// isAncestor compares whole path components, so /data/docs is not an
// ancestor of /data/docs-old.
func isAncestor(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ParseLegacyMapping parses "path:kb,path:kb". Entries without a colon are
// ignored; only the first colon separates path from name.
func ParseLegacyMapping(raw string) []Mapping {
	var out []Mapping
	for _, entry := range strings.Split(raw, ",") {
		path, kb, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		path = strings.TrimSpace(path)
		kb = strings.TrimSpace(kb)
		if path == "" || kb == "" {
			continue
		}
		out = append(out, Mapping{Path: path, KnowledgeBase: kb})
	}
	return out
}
