package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flakestry/flakestry/internal/auth"
	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/internal/forge"
	"github.com/flakestry/flakestry/internal/registry"
	"github.com/flakestry/flakestry/internal/search"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/flakestry/flakestry/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, rawToken string) (*auth.Claim, error) {
	if rawToken != "good-token" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claim{Owner: "nixos", Repo: "nixpkgs", Repository: "nixos/nixpkgs"}, nil
}

type stubResolver struct{}

func (stubResolver) ResolveRef(ctx context.Context, token, owner, repo, ref string) (*forge.Commit, error) {
	if !strings.HasPrefix(ref, "refs/tags/") {
		return nil, fmt.Errorf("%w: %s", forge.ErrRefNotFound, ref)
	}
	return &forge.Commit{
		SHA:         "abc123",
		CommittedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

type stubFiles struct{}

func (stubFiles) RawFile(ctx context.Context, token, owner, repo, sha, path string) (string, error) {
	return "# readme\n", nil
}

type stubIndex struct {
	docs map[string]search.Document
}

func (s *stubIndex) Upsert(ctx context.Context, id string, doc search.Document) error {
	s.docs[id] = doc
	return nil
}

func (s *stubIndex) Search(ctx context.Context, query string) ([]search.Hit, error) {
	return nil, nil
}

func setupTestServer(t *testing.T) *httptest.Server {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Owner{}, &types.Repository{}, &types.Release{}))

	database := &common.Database{DB: db}
	store := registry.NewCatalogStore(database)
	index := &stubIndex{docs: make(map[string]search.Document)}
	pipeline := registry.NewPipeline(store, stubResolver{}, stubFiles{}, index)
	queries := registry.NewQueryService(store, index, nil)

	server := httptest.NewServer(setupRouter(stubVerifier{}, pipeline, queries))
	t.Cleanup(server.Close)
	return server
}

func publishBody(version string) *strings.Reader {
	return strings.NewReader(fmt.Sprintf(`{"version": %q}`, version))
}

func doPublish(t *testing.T, server *httptest.Server, body *strings.Reader, token string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/publish", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Token", "gh-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPublishEndpoint(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, publishBody("1.0.0"), "good-token")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// The release is now readable through the repo listing.
	listResp, err := http.Get(server.URL + "/api/flake/github/nixos/nixpkgs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}

func TestPublishEndpointConflictOnDuplicate(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, publishBody("1.0.0"), "good-token")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doPublish(t, server, publishBody("1.0.0"), "good-token")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPublishEndpointRejectsMalformedVersion(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, publishBody("latest"), "good-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishEndpointRejectsMissingRefAndVersion(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, strings.NewReader(`{}`), "good-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishEndpointRejectsBadToken(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, publishBody("1.0.0"), "bad-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBadgeEndpoint(t *testing.T) {
	server := setupTestServer(t)

	resp := doPublish(t, server, publishBody("1.0.0"), "good-token")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	badgeResp, err := http.Get(server.URL + "/api/badge/flake/github/nixos/nixpkgs")
	require.NoError(t, err)
	defer badgeResp.Body.Close()
	assert.Equal(t, http.StatusOK, badgeResp.StatusCode)
	assert.Equal(t, "image/svg+xml", badgeResp.Header.Get("Content-Type"))
}

func TestBadgeEndpointUnknownRepo(t *testing.T) {
	server := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/badge/flake/github/nixos/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrMissingRefOrVersion, http.StatusBadRequest},
		{version.ErrMalformedVersion, http.StatusBadRequest},
		{registry.ErrVersionExists, http.StatusConflict},
		{forge.ErrRefNotFound, http.StatusNotFound},
		{forge.ErrAuthRejected, http.StatusUnauthorized},
		{forge.ErrUnavailable, http.StatusBadGateway},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, publishStatus(fmt.Errorf("wrapped: %w", tt.err)))
	}
}
