package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	gogithub "github.com/google/go-github/v60/github"
)

const repositoriesQuery = `query($login: String!, $repos: Int!, $languages: Int!) {
  user(login: $login) {
    repositories(first: $repos, orderBy: {field: PUSHED_AT, direction: DESC}) {
      nodes {
        name
        defaultBranchRef { name }
        languages(first: $languages, orderBy: {field: SIZE, direction: DESC}) {
          edges { size node { name } }
        }
      }
    }
  }
}`

// ErrUserNotFound is returned when the metadata API has no such login.
var ErrUserNotFound = errors.New("github user not found")

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type repositoriesResponse struct {
	Data struct {
		User *struct {
			Repositories struct {
				Nodes []struct {
					Name             string `json:"name"`
					DefaultBranchRef *struct {
						Name string `json:"name"`
					} `json:"defaultBranchRef"`
					Languages struct {
						Edges []struct {
							Size int64 `json:"size"`
							Node struct {
								Name string `json:"name"`
							} `json:"node"`
						} `json:"edges"`
					} `json:"languages"`
				} `json:"nodes"`
			} `json:"repositories"`
		} `json:"user"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// Catalog lists a user's most recently pushed repositories through the
// GraphQL metadata API.
type Catalog struct {
	client        *gogithub.Client
	logger        *slog.Logger
	repoLimit     int
	languageLimit int
	graphQLPath   string
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithRepoLimit sets how many repositories are requested.
func WithRepoLimit(n int) CatalogOption {
	return func(c *Catalog) { c.repoLimit = n }
}

// WithLanguageLimit sets how many languages are kept per repository.
func WithLanguageLimit(n int) CatalogOption {
	return func(c *Catalog) { c.languageLimit = n }
}

// WithGraphQLPath overrides the GraphQL endpoint path relative to the
// client's base URL. GitHub Enterprise serves it at "../graphql".
func WithGraphQLPath(path string) CatalogOption {
	return func(c *Catalog) { c.graphQLPath = path }
}

// NewCatalog creates a Catalog.
func NewCatalog(client *gogithub.Client, logger *slog.Logger, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		client:        client,
		logger:        logger,
		repoLimit:     25,
		languageLimit: 3,
		graphQLPath:   "graphql",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repositories returns up to repoLimit repositories ordered by most recent
// push. Repositories without a default branch are skipped. Any transport or
// GraphQL error is returned so the job can be retried.
func (c *Catalog) Repositories(ctx context.Context, login string) ([]RepositoryInfo, error) {
	body := graphQLRequest{
		Query: repositoriesQuery,
		Variables: map[string]any{
			"login":     login,
			"repos":     c.repoLimit,
			"languages": c.languageLimit,
		},
	}

	out, err := call(ctx, c.logger, "graphql", func() (*repositoriesResponse, *gogithub.Response, error) {
		req, err := c.client.NewRequest("POST", c.graphQLPath, body)
		if err != nil {
			return nil, nil, fmt.Errorf("creating graphql request: %w", err)
		}
		var out repositoriesResponse
		resp, err := c.client.Do(ctx, req, &out)
		return &out, resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("querying repositories for %s: %w", login, err)
	}

	if len(out.Errors) > 0 {
		if out.Data.User == nil && out.Errors[0].Type == "NOT_FOUND" {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, login)
		}
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("graphql errors for %s: %s", login, strings.Join(msgs, "; "))
	}
	if out.Data.User == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}

	nodes := out.Data.User.Repositories.Nodes
	repos := make([]RepositoryInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.DefaultBranchRef == nil || n.DefaultBranchRef.Name == "" {
			c.logger.Warn("skipping repository without default branch", "repo", n.Name)
			continue
		}

		langs := make([]Language, 0, len(n.Languages.Edges))
		for _, e := range n.Languages.Edges {
			langs = append(langs, Language{Name: e.Node.Name, Size: e.Size})
		}
		sort.SliceStable(langs, func(i, j int) bool { return langs[i].Size > langs[j].Size })
		if len(langs) > c.languageLimit {
			langs = langs[:c.languageLimit]
		}

		repos = append(repos, RepositoryInfo{
			Name:          n.Name,
			DefaultBranch: n.DefaultBranchRef.Name,
			Languages:     langs,
		})
	}

	return repos, nil
}
