package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/internal/search"
	"github.com/flakestry/flakestry/pkg/badge"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/flakestry/flakestry/pkg/version"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	recentLimit = 10

	badgeLabel     = "flakestry.dev"
	badgeColor     = "darkblue"
	badgeCacheTTL  = 5 * time.Minute
	recentCacheTTL = 30 * time.Second
)

// QueryService is the read side: recent and searched releases, per-owner and
// per-repository listings, exact lookups, and the status badge. The cache is
// optional; a nil cache disables response caching.
type QueryService struct {
	store *CatalogStore
	index search.Index
	cache *common.Cache
}

// NewQueryService creates a query service
func NewQueryService(store *CatalogStore, index search.Index, cache *common.Cache) *QueryService {
	return &QueryService{store: store, index: index, cache: cache}
}

// ListRecent returns the ten most recent releases, or, when query is
// non-empty, the ten best search hits joined back against the store and
// ordered by descending match score. Score order and recency order are
// different and are never conflated.
func (q *QueryService) ListRecent(ctx context.Context, query string) (*types.FlakesResponse, error) {
	if query == "" {
		return q.listMostRecent(ctx)
	}

	hits, err := q.index.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	scores := make(map[uuid.UUID]float64, len(hits))
	ids := make([]uuid.UUID, 0, len(hits))
	for _, hit := range hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed document id %q", ErrIndexInconsistent, hit.ID)
		}
		scores[id] = hit.Score
		ids = append(ids, id)
	}

	releases, err := q.store.ReleasesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(releases) != len(ids) {
		// No delete path exists, so an indexed release missing from the
		// store is corruption, not staleness.
		return nil, fmt.Errorf("%w: %d hits, %d releases", ErrIndexInconsistent, len(ids), len(releases))
	}

	sort.Slice(releases, func(i, j int) bool {
		return scores[releases[i].ID] > scores[releases[j].ID]
	})

	summaries := make([]types.FlakeReleaseCompact, 0, len(releases))
	for i := range releases {
		summaries = append(summaries, toCompact(&releases[i]))
	}
	return &types.FlakesResponse{Releases: summaries, Count: len(summaries), Query: &query}, nil
}

func (q *QueryService) listMostRecent(ctx context.Context) (*types.FlakesResponse, error) {
	const cacheKey = "flakes:recent"

	if q.cache != nil {
		var cached types.FlakesResponse
		if err := q.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	releases, err := q.store.RecentReleases(ctx, recentLimit)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.FlakeReleaseCompact, 0, len(releases))
	for i := range releases {
		summaries = append(summaries, toCompact(&releases[i]))
	}
	response := &types.FlakesResponse{Releases: summaries, Count: len(summaries)}

	if q.cache != nil {
		if err := q.cache.Set(ctx, cacheKey, response, recentCacheTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache recent releases")
		}
	}
	return response, nil
}

// ListByOwner returns the latest release of every repository under the owner.
// Repositories with zero releases are omitted entirely.
func (q *QueryService) ListByOwner(ctx context.Context, ownerName string) (*types.OwnerResponse, error) {
	repos, err := q.store.RepositoriesByOwner(ctx, ownerName)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.FlakeReleaseCompact, 0, len(repos))
	for i := range repos {
		releases, err := q.store.ReleasesOfRepository(ctx, repos[i].ID)
		if err != nil {
			return nil, err
		}
		latest, err := version.Latest(releases)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		latest.Repository = repos[i]
		summaries = append(summaries, toCompact(latest))
	}
	return &types.OwnerResponse{Repos: summaries}, nil
}

// ListByRepository returns every release of (owner, repo) in descending
// version order plus the latest release, or ErrRepositoryNotFound.
func (q *QueryService) ListByRepository(ctx context.Context, ownerName, repoName string) (*types.RepoResponse, error) {
	repo, err := q.store.RepositoryByName(ctx, ownerName, repoName)
	if err != nil {
		return nil, err
	}

	releases, err := q.store.ReleasesOfRepository(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	sorted, err := version.SortReleasesDescending(releases)
	if err != nil {
		return nil, err
	}

	details := make([]types.FlakeRelease, 0, len(sorted))
	for i := range sorted {
		sorted[i].Repository = *repo
		details = append(details, toDetail(&sorted[i]))
	}

	response := &types.RepoResponse{Releases: details}
	if len(details) > 0 {
		response.Latest = &details[0]
	}
	return response, nil
}

// GetRelease returns the release with the exact normalized version, or nil
// when the version is valid but unknown. Malformed versions match nothing.
func (q *QueryService) GetRelease(ctx context.Context, ownerName, repoName, rawVersion string) (*types.Release, error) {
	normalized, err := version.Parse(rawVersion)
	if err != nil {
		return nil, nil
	}
	return q.store.ExactRelease(ctx, ownerName, repoName, normalized)
}

// Badge renders the SVG badge showing the latest version of (owner, repo).
// Fails with ErrRepositoryNotFound or ErrNoReleases.
func (q *QueryService) Badge(ctx context.Context, ownerName, repoName string) (string, error) {
	cacheKey := fmt.Sprintf("badge:%s/%s", ownerName, repoName)

	if q.cache != nil {
		if svg, err := q.cache.GetString(ctx, cacheKey); err == nil {
			return svg, nil
		}
	}

	repo, err := q.ListByRepository(ctx, ownerName, repoName)
	if err != nil {
		return "", err
	}
	if repo.Latest == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrNoReleases, ownerName, repoName)
	}

	svg := badge.Render(badgeLabel, repo.Latest.Version, badgeColor)

	if q.cache != nil {
		if err := q.cache.SetString(ctx, cacheKey, svg, badgeCacheTTL); err != nil {
			log.Warn().Err(err).Str("repo", ownerName+"/"+repoName).Msg("failed to cache badge")
		}
	}
	return svg, nil
}

// Reindex re-projects a stored release into the search index. This is the
// manual recovery path for releases whose original indexing step failed.
func (q *QueryService) Reindex(ctx context.Context, ownerName, repoName, rawVersion string) error {
	release, err := q.GetRelease(ctx, ownerName, repoName, rawVersion)
	if err != nil {
		return err
	}
	if release == nil {
		return fmt.Errorf("%w: %s/%s %s", ErrReleaseNotFound, ownerName, repoName, rawVersion)
	}

	doc := ProjectDocument(release, release.Repository.Name, release.Repository.Owner.Name)
	if err := q.index.Upsert(ctx, release.ID.String(), doc); err != nil {
		return fmt.Errorf("failed to reindex release %s: %w", release.ID, err)
	}

	log.Info().
		Str("owner", ownerName).
		Str("repo", repoName).
		Str("version", release.Version).
		Str("release_id", release.ID.String()).
		Msg("release reindexed")
	return nil
}

func toCompact(release *types.Release) types.FlakeReleaseCompact {
	var description string
	if release.Description != nil {
		description = *release.Description
	}
	return types.FlakeReleaseCompact{
		Owner:       release.Repository.Owner.Name,
		Repo:        release.Repository.Name,
		Version:     release.Version,
		Description: description,
		CreatedAt:   release.CreatedAt,
	}
}

func toDetail(release *types.Release) types.FlakeRelease {
	var readme string
	if release.Readme != nil {
		readme = *release.Readme
	}
	return types.FlakeRelease{
		FlakeReleaseCompact: toCompact(release),
		Commit:              release.Commit,
		Readme:              readme,
	}
}
