package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	gogithub "github.com/google/go-github/v60/github"
)

// RepoReader reads trees, file contents and commit file lists.
type RepoReader struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewRepoReader creates a RepoReader.
func NewRepoReader(client *gogithub.Client, logger *slog.Logger) *RepoReader {
	return &RepoReader{client: client, logger: logger}
}

// BlobPaths lists every file path in the repository tree at ref.
func (r *RepoReader) BlobPaths(ctx context.Context, owner, repo, ref string) ([]string, error) {
	tree, err := call(ctx, r.logger, "get_tree", func() (*gogithub.Tree, *gogithub.Response, error) {
		return r.client.Git.GetTree(ctx, owner, repo, ref, true)
	})
	if err != nil {
		return nil, fmt.Errorf("listing tree for %s/%s@%s: %w", owner, repo, ref, err)
	}
	if tree.GetTruncated() {
		r.logger.Warn("tree listing truncated", "repo", repo, "entries", len(tree.Entries))
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, nil
}

// FileContent fetches and decodes the file at path on ref.
func (r *RepoReader) FileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	opts := &gogithub.RepositoryContentGetOptions{Ref: ref}
	file, err := call(ctx, r.logger, "get_contents", func() (*gogithub.RepositoryContent, *gogithub.Response, error) {
		file, _, resp, err := r.client.Repositories.GetContents(ctx, owner, repo, path, opts)
		return file, resp, err
	})
	if err != nil {
		return "", fmt.Errorf("fetching %s from %s/%s: %w", path, owner, repo, err)
	}
	if file == nil {
		return "", fmt.Errorf("fetching %s from %s/%s: path is a directory", path, owner, repo)
	}
	if enc := file.GetEncoding(); enc != "" && enc != "base64" {
		return "", fmt.Errorf("fetching %s from %s/%s: unsupported encoding %q", path, owner, repo, enc)
	}
	if file.Content == nil {
		return "", nil
	}
	return DecodeContent(*file.Content)
}

// DecodeContent base64-decodes content as returned by the contents API,
// which wraps the encoding across lines.
func DecodeContent(encoded string) (string, error) {
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(encoded)
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("decoding content: %w", err)
	}
	return string(decoded), nil
}

// ChangedFiles returns the filenames touched by commit sha.
func (r *RepoReader) ChangedFiles(ctx context.Context, owner, repo, sha string) ([]string, error) {
	commit, err := call(ctx, r.logger, "get_commit", func() (*gogithub.RepositoryCommit, *gogithub.Response, error) {
		return r.client.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching commit %s in %s/%s: %w", sha, owner, repo, err)
	}

	files := make([]string, 0, len(commit.Files))
	for _, f := range commit.Files {
		if name := f.GetFilename(); name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}
