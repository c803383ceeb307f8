// Package forge talks to the upstream source-control host. Publishing needs
// two calls: resolve a ref to an immutable commit, and fetch one raw file at
// that commit. Both are authenticated with a caller-supplied token that is
// never stored.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flakestry/flakestry/pkg/config"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRefNotFound means the ref, commit, or file does not exist upstream.
	ErrRefNotFound = errors.New("upstream ref not found")
	// ErrAuthRejected means the caller-supplied upstream credential was refused.
	ErrAuthRejected = errors.New("upstream rejected credentials")
	// ErrUnavailable covers transient upstream failures, including timeouts.
	// Callers may retry it once.
	ErrUnavailable = errors.New("upstream unavailable")
)

// Commit is an immutable commit resolved from a ref.
type Commit struct {
	SHA         string
	CommittedAt time.Time
}

// CommitResolver resolves a ref to a commit.
type CommitResolver interface {
	ResolveRef(ctx context.Context, token, owner, repo, ref string) (*Commit, error)
}

// FileFetcher fetches one raw file at a resolved commit.
type FileFetcher interface {
	RawFile(ctx context.Context, token, owner, repo, sha, path string) (string, error)
}

// Client implements CommitResolver and FileFetcher against the GitHub API.
type Client struct {
	apiBase string
	rawBase string
	http    *http.Client
}

// NewClient creates a GitHub client with a bounded request timeout.
func NewClient(cfg *config.GitHubConfig) *Client {
	return &Client{
		apiBase: strings.TrimSuffix(cfg.APIBase, "/"),
		rawBase: strings.TrimSuffix(cfg.RawBase, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// ResolveRef resolves a ref (tag path, branch, or commit pointer) to the
// commit it points at.
func (c *Client) ResolveRef(ctx context.Context, token, owner, repo, ref string) (*Commit, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.apiBase, owner, repo, ref)

	body, err := c.get(ctx, token, url, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}

	var commit commitResponse
	if err := json.Unmarshal(body, &commit); err != nil {
		return nil, fmt.Errorf("failed to decode commit response: %w", err)
	}

	log.Debug().
		Str("owner", owner).
		Str("repo", repo).
		Str("ref", ref).
		Str("sha", commit.SHA).
		Msg("resolved ref to commit")

	return &Commit{
		SHA:         commit.SHA,
		CommittedAt: commit.Commit.Committer.Date,
	}, nil
}

// RawFile fetches the raw content of path at the given commit.
func (c *Client) RawFile(ctx context.Context, token, owner, repo, sha, path string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/%s", c.rawBase, owner, repo, sha, path)

	body, err := c.get(ctx, token, url, "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, token, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport failures are transient from our side.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected upstream status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, nil
}
