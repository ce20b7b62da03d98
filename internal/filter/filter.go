// Package filter decides whether a candidate file is in scope for a
// mapping's exclude and include rules.
package filter

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

type Filters struct {
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
}

func (f Filters) Empty() bool {
	return len(f.Exclude) == 0 && len(f.Include) == 0
}

// Included reports whether path survives filters. Patterns are matched
// against the path relative to root (falling back to syncRoot, then the
// absolute path) and against the base name. An include pattern only matters
// once an exclude pattern has matched.
func Included(path string, filters Filters, root, syncRoot string) bool {
	if len(filters.Exclude) == 0 {
		return true
	}
	rel := relativePath(path, root, syncRoot)
	name := filepath.Base(path)
	for _, exclude := range filters.Exclude {
		if !Matches(exclude, rel, name) {
			continue
		}
		for _, include := range filters.Include {
			if Matches(include, rel, name) {
				return true
			}
		}
		return false
	}
	return true
}

// Matches reports whether pattern matches rel or name, either as a glob or
// as a plain substring.
func Matches(pattern, rel, name string) bool {
	pattern = filepath.ToSlash(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	for _, candidate := range []string{rel, name} {
		if candidate == "" {
			continue
		}
		if Glob(pattern, candidate) || strings.Contains(candidate, pattern) {
			return true
		}
	}
	return false
}

func relativePath(path, root, syncRoot string) string {
	for _, base := range []string{root, syncRoot} {
		if strings.TrimSpace(base) == "" {
			continue
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

var globCache sync.Map

// Glob matches name against an fnmatch-style pattern. Unlike path.Match,
// '*' also crosses '/' so "*.log" matches "logs/app/debug.log".
func Glob(pattern, name string) bool {
	re, ok := globCache.Load(pattern)
	if !ok {
		re, _ = globCache.LoadOrStore(pattern, compileGlob(pattern))
	}
	return re.(*regexp.Regexp).MatchString(name)
}

func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?s)\A`)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : end]
			b.WriteByte('[')
			if strings.HasPrefix(class, "!") {
				b.WriteByte('^')
				class = class[1:]
			} else if strings.HasPrefix(class, "^") {
				b.WriteByte('\\')
			}
			b.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			b.WriteByte(']')
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`\z`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`\A` + regexp.QuoteMeta(pattern) + `\z`)
	}
	return re
}

// classEnd returns the index of the ']' closing the class opened at start,
// or -1 when the class is unterminated.
func classEnd(pattern string, start int) int {
	j := start + 1
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		if pattern[j] == ']' {
			return j
		}
	}
	return -1
}
