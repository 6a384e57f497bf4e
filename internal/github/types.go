package github

// Language is one of a repository's languages with its size in bytes.
type Language struct {
	Name string
	Size int64
}

// RepositoryInfo describes one of a user's repositories as seen by the
// mining pipeline. CommitSHAs is filled by the commit collector and read-only
// afterwards.
type RepositoryInfo struct {
	Name          string
	DefaultBranch string
	Languages     []Language
	CommitSHAs    []string
}

// LanguageNames returns the repository's language names in size order.
func (r RepositoryInfo) LanguageNames() []string {
	names := make([]string, len(r.Languages))
	for i, l := range r.Languages {
		names[i] = l.Name
	}
	return names
}
