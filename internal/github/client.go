package github

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v60/github"
)

// NewGitHubClient creates a GitHub API client authenticated as a GitHub App
// installation. It uses ghinstallation for automatic JWT and installation
// token management.
//
// privateKey can be either:
//   - Raw PEM bytes (begins with "-----BEGIN")
//   - Base64-encoded PEM bytes
//
// If privateKey is nil or empty and privateKeyPath is provided, the key is
// read from that file path.
func NewGitHubClient(appID, installationID int64, privateKey []byte, privateKeyPath string) (*gogithub.Client, error) {
	key, err := resolvePrivateKey(privateKey, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolving private key: %w", err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}

	return gogithub.NewClient(&http.Client{Transport: transport}), nil
}

// NewTokenClient creates a client that sends token as a bearer credential.
func NewTokenClient(token string) *gogithub.Client {
	return gogithub.NewClient(nil).WithAuthToken(token)
}

// WithBaseURL points client at a different API root, such as a GitHub
// Enterprise host or a test server. An empty baseURL leaves it unchanged.
func WithBaseURL(client *gogithub.Client, baseURL string) (*gogithub.Client, error) {
	if baseURL == "" {
		return client, nil
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := client.BaseURL.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	client.BaseURL = u
	return client, nil
}

// ClientFactory returns a client for a job. A non-empty credential always
// wins; fallback, when set, serves jobs that carry no credential.
type ClientFactory struct {
	BaseURL  string
	Fallback *gogithub.Client
}

// GraphQLPath returns the endpoint used by Catalog for this factory's
// clients.
func (f *ClientFactory) GraphQLPath() string {
	return GraphQLPath(f.BaseURL)
}

// GraphQLPath resolves the GraphQL endpoint relative to a REST base URL.
// api.github.com serves both from the root, while GitHub Enterprise serves
// REST under /api/v3/ and GraphQL at /api/graphql.
func GraphQLPath(baseURL string) string {
	if strings.HasSuffix(strings.TrimSuffix(baseURL, "/"), "/api/v3") {
		return "../graphql"
	}
	return "graphql"
}

// ErrNoCredential is returned when a job has no credential and no fallback
// client is configured.
var ErrNoCredential = errors.New("no GitHub credential available")

// ForCredential builds the client used to process a job.
func (f *ClientFactory) ForCredential(credential string) (*gogithub.Client, error) {
	if credential == "" {
		if f.Fallback == nil {
			return nil, ErrNoCredential
		}
		return f.Fallback, nil
	}
	return WithBaseURL(NewTokenClient(credential), f.BaseURL)
}

// resolvePrivateKey returns PEM-encoded private key bytes from either the
// provided raw/base64-encoded key or by reading from a file path.
func resolvePrivateKey(key []byte, keyPath string) ([]byte, error) {
	if len(key) > 0 {
		s := strings.TrimSpace(string(key))
		if strings.HasPrefix(s, "-----BEGIN") {
			return []byte(s), nil
		}
		// Try base64 decode
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			// Try URL-safe base64
			decoded, err = base64.URLEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("private key is neither PEM nor valid base64: %w", err)
			}
		}
		return decoded, nil
	}

	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key file %s: %w", keyPath, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no private key provided: set private_key or private_key_path")
}
