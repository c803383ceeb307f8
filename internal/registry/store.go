package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CatalogStore is the owner/repository/release persistence layer. Owners and
// repositories are created lazily with get-or-create semantics; releases are
// inserted exactly once and never updated. Concurrency is arbitrated entirely
// by the store's uniqueness constraints.
type CatalogStore struct {
	DB *common.Database
}

// NewCatalogStore creates a catalog store over the given database
func NewCatalogStore(db *common.Database) *CatalogStore {
	return &CatalogStore{DB: db}
}

// isDuplicateKey reports whether err is a uniqueness-constraint violation.
// GORM translates most driver errors; the raw pq code is the backstop for
// paths that bypass translation.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetOrCreateOwner returns the owner with the given name, creating it on
// first publish. A concurrent create losing to the unique constraint is
// recovered by re-reading the surviving row.
func (s *CatalogStore) GetOrCreateOwner(ctx context.Context, name string) (*types.Owner, error) {
	var owner types.Owner
	err := s.DB.WithContext(ctx).Where("name = ?", name).First(&owner).Error
	if err == nil {
		return &owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up owner %s: %w", name, err)
	}

	owner = types.Owner{Name: name}
	if err := s.DB.WithContext(ctx).Create(&owner).Error; err != nil {
		if isDuplicateKey(err) {
			// Lost a first-publish race; the surviving row is authoritative.
			var existing types.Owner
			if err := s.DB.WithContext(ctx).Where("name = ?", name).First(&existing).Error; err != nil {
				return nil, fmt.Errorf("failed to re-read owner %s after conflict: %w", name, err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create owner %s: %w", name, err)
	}

	log.Info().Str("owner", name).Msg("created owner")
	return &owner, nil
}

// GetOrCreateRepository returns the repository with the given name under the
// owner, creating it on first publish with the same race recovery as owners.
func (s *CatalogStore) GetOrCreateRepository(ctx context.Context, owner *types.Owner, name string) (*types.Repository, error) {
	var repo types.Repository
	err := s.DB.WithContext(ctx).
		Where("owner_id = ? AND name = ?", owner.ID, name).
		First(&repo).Error
	if err == nil {
		return &repo, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up repository %s/%s: %w", owner.Name, name, err)
	}

	repo = types.Repository{Name: name, OwnerID: owner.ID}
	if err := s.DB.WithContext(ctx).Create(&repo).Error; err != nil {
		if isDuplicateKey(err) {
			var existing types.Repository
			if err := s.DB.WithContext(ctx).
				Where("owner_id = ? AND name = ?", owner.ID, name).
				First(&existing).Error; err != nil {
				return nil, fmt.Errorf("failed to re-read repository %s/%s after conflict: %w", owner.Name, name, err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create repository %s/%s: %w", owner.Name, name, err)
	}

	log.Info().Str("owner", owner.Name).Str("repo", name).Msg("created repository")
	return &repo, nil
}

// ReleaseExists reports whether a release for (repository, version) exists
func (s *CatalogStore) ReleaseExists(ctx context.Context, repoID uuid.UUID, version string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&types.Release{}).
		Where("repository_id = ? AND version = ?", repoID, version).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check existing release: %w", err)
	}
	return count > 0, nil
}

// CreateRelease inserts the release row. A duplicate-key failure means a
// concurrent publish won the (repository, version) slot and is surfaced as
// ErrVersionExists, the same conflict the pre-insert check raises.
func (s *CatalogStore) CreateRelease(ctx context.Context, release *types.Release) error {
	if err := s.DB.WithContext(ctx).Create(release).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrVersionExists, release.Version)
		}
		return fmt.Errorf("failed to create release: %w", err)
	}
	return nil
}

// RecentReleases returns the most recently created releases, newest first
func (s *CatalogStore) RecentReleases(ctx context.Context, limit int) ([]types.Release, error) {
	var releases []types.Release
	err := s.DB.WithContext(ctx).
		Preload("Repository.Owner").
		Order("created_at DESC").
		Limit(limit).
		Find(&releases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent releases: %w", err)
	}
	return releases, nil
}

// ReleasesByIDs returns the releases matching the given identifiers
func (s *CatalogStore) ReleasesByIDs(ctx context.Context, ids []uuid.UUID) ([]types.Release, error) {
	var releases []types.Release
	err := s.DB.WithContext(ctx).
		Preload("Repository.Owner").
		Where("id IN ?", ids).
		Find(&releases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load releases by id: %w", err)
	}
	return releases, nil
}

// RepositoriesByOwner returns all repositories under the named owner, newest
// first. An unknown owner yields an empty list, not an error.
func (s *CatalogStore) RepositoriesByOwner(ctx context.Context, ownerName string) ([]types.Repository, error) {
	var repos []types.Repository
	err := s.DB.WithContext(ctx).
		Joins("JOIN owners ON owners.id = repositories.owner_id").
		Where("owners.name = ?", ownerName).
		Preload("Owner").
		Order("repositories.created_at DESC").
		Find(&repos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", ownerName, err)
	}
	return repos, nil
}

// RepositoryByName returns the repository for (owner, repo), or
// ErrRepositoryNotFound.
func (s *CatalogStore) RepositoryByName(ctx context.Context, ownerName, repoName string) (*types.Repository, error) {
	var repo types.Repository
	err := s.DB.WithContext(ctx).
		Joins("JOIN owners ON owners.id = repositories.owner_id").
		Where("owners.name = ? AND repositories.name = ?", ownerName, repoName).
		Preload("Owner").
		First(&repo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepositoryNotFound, ownerName, repoName)
		}
		return nil, fmt.Errorf("failed to look up repository %s/%s: %w", ownerName, repoName, err)
	}
	return &repo, nil
}

// ReleasesOfRepository returns all releases of the repository, unordered
func (s *CatalogStore) ReleasesOfRepository(ctx context.Context, repoID uuid.UUID) ([]types.Release, error) {
	var releases []types.Release
	err := s.DB.WithContext(ctx).
		Where("repository_id = ?", repoID).
		Find(&releases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	return releases, nil
}

// ExactRelease returns the release with the exact normalized version, or nil
// when no such release exists.
func (s *CatalogStore) ExactRelease(ctx context.Context, ownerName, repoName, version string) (*types.Release, error) {
	var release types.Release
	err := s.DB.WithContext(ctx).
		Joins("JOIN repositories ON repositories.id = releases.repository_id").
		Joins("JOIN owners ON owners.id = repositories.owner_id").
		Where("owners.name = ? AND repositories.name = ? AND releases.version = ?", ownerName, repoName, version).
		Preload("Repository.Owner").
		First(&release).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up release %s/%s %s: %w", ownerName, repoName, version, err)
	}
	return &release, nil
}
