// Package source enumerates candidate files from the local sync root and
// from SSH hosts.
package source

import (
	"path/filepath"
	"strings"

	"github.com/agentworkforce/kbsync/internal/filter"
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Candidate is one file the orchestrator will consider. Path is always a
// readable local path; staged remote files point into the staging area.
type Candidate struct {
	Path   string
	Key    string
	Origin Origin
	// Source is "local" or the remote host name.
	Source string

	// Remote candidates carry their source's target and filters.
	KnowledgeBase string
	Filters       filter.Filters
	FilterRoot    string
}

// Extensions is a case-insensitive extension allow-list. An empty list
// allows every file.
type Extensions map[string]struct{}

func NewExtensions(list []string) Extensions {
	exts := make(Extensions, len(list))
	for _, ext := range list {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	return exts
}

func (e Extensions) Allowed(name string) bool {
	if len(e) == 0 {
		return true
	}
	_, ok := e[strings.ToLower(filepath.Ext(name))]
	return ok
}
