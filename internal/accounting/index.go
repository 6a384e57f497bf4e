// Package accounting counts distinct source files per framework across a
// user's commits.
package accounting

import (
	"sort"
	"sync"
)

// FileIndex maps a framework to the set of repo-qualified paths seen for
// it. It is safe for concurrent use.
type FileIndex struct {
	mu    sync.Mutex
	paths map[string]map[string]struct{}
}

// NewFileIndex creates an empty FileIndex.
func NewFileIndex() *FileIndex {
	return &FileIndex{paths: make(map[string]map[string]struct{})}
}

// Add records path for framework and reports whether it was new.
func (x *FileIndex) Add(framework, path string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.paths[framework]
	if !ok {
		set = make(map[string]struct{})
		x.paths[framework] = set
	}
	if _, seen := set[path]; seen {
		return false
	}
	set[path] = struct{}{}
	return true
}

// Len returns the number of distinct paths recorded for framework.
func (x *FileIndex) Len(framework string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.paths[framework])
}

// Paths returns framework's paths in lexical order.
func (x *FileIndex) Paths(framework string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]string, 0, len(x.paths[framework]))
	for p := range x.paths[framework] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of distinct paths per framework.
func (x *FileIndex) Counts() map[string]int {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make(map[string]int, len(x.paths))
	for fw, set := range x.paths {
		out[fw] = len(set)
	}
	return out
}
