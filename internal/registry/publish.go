package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flakestry/flakestry/internal/auth"
	"github.com/flakestry/flakestry/internal/forge"
	"github.com/flakestry/flakestry/internal/search"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/flakestry/flakestry/pkg/version"
	"github.com/rs/zerolog/log"
)

const tagRefPrefix = "refs/tags/"

// compactTimestamp layout for the digits of a commit timestamp, used by
// version templating and the synthesized fallback version.
const compactTimestamp = "20060102150405"

// PublishInput carries the caller-supplied parts of one publish call. The
// metadata/outputs error strings come from an extraction step that already
// ran before this pipeline and are recorded verbatim, never validated here.
type PublishInput struct {
	Ref            *string
	Version        *string
	Readme         *string
	Metadata       types.JSONMap
	MetadataErrors *string
	Outputs        types.JSONMap
	OutputsErrors  *string
}

// PublishResult is the outcome of a successful insert. Indexed is false when
// the release row exists but the search indexing step failed; the release is
// valid and retrievable, just not searchable yet.
type PublishResult struct {
	Release *types.Release
	Indexed bool
}

// Pipeline runs the publish workflow: resolve the ref upstream, materialize
// and validate the version, get-or-create owner and repository, insert the
// release, then project it into the search index. There is no surrounding
// transaction: every step before the release insert is side-effect free or
// idempotent, and only the indexing step may fail after the insert.
type Pipeline struct {
	store    *CatalogStore
	resolver forge.CommitResolver
	files    forge.FileFetcher
	index    search.Index
}

// NewPipeline creates a publish pipeline
func NewPipeline(store *CatalogStore, resolver forge.CommitResolver, files forge.FileFetcher, index search.Index) *Pipeline {
	return &Pipeline{
		store:    store,
		resolver: resolver,
		files:    files,
		index:    index,
	}
}

// Publish runs the pipeline for one verified claim.
func (p *Pipeline) Publish(ctx context.Context, claim *auth.Claim, githubToken string, in *PublishInput) (*PublishResult, error) {
	// Step 1: ref selection
	var ref string
	switch {
	case in.Ref != nil && *in.Ref != "":
		ref = *in.Ref
	case in.Version != nil && *in.Version != "":
		ref = tagRefPrefix + *in.Version
	default:
		return nil, ErrMissingRefOrVersion
	}

	log.Info().
		Str("owner", claim.Owner).
		Str("repo", claim.Repo).
		Str("ref", ref).
		Msg("starting publish")

	// Step 2: commit resolution, nothing written yet
	commit, err := p.resolveRef(ctx, githubToken, claim.Owner, claim.Repo, ref)
	if err != nil {
		return nil, err
	}

	// Steps 3-4: version materialization and validation
	givenVersion := materializeVersion(in, ref, commit)
	normalized, err := version.Parse(givenVersion)
	if err != nil {
		return nil, err
	}

	// Steps 5-6: lazy owner and repository creation
	owner, err := p.store.GetOrCreateOwner(ctx, claim.Owner)
	if err != nil {
		return nil, err
	}
	repo, err := p.store.GetOrCreateRepository(ctx, owner, claim.Repo)
	if err != nil {
		return nil, err
	}

	// Step 7: duplicate-version check. The unique constraint at insert time
	// is the authoritative backstop for the race window this leaves.
	exists, err := p.store.ReleaseExists(ctx, repo.ID, normalized)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrVersionExists, normalized)
	}

	// Step 8: readme fetch. A requested readme that cannot be fetched aborts
	// the publish; partial releases without their readme are not permitted.
	var readme *string
	if in.Readme != nil && *in.Readme != "" {
		content, err := p.fetchReadme(ctx, githubToken, claim.Owner, claim.Repo, commit.SHA, *in.Readme)
		if err != nil {
			return nil, err
		}
		readme = &content
	}

	// Step 9: release insertion
	release := &types.Release{
		RepositoryID:   repo.ID,
		Version:        normalized,
		Commit:         commit.SHA,
		ReadmeFilename: in.Readme,
		Readme:         readme,
		Description:    descriptionFromMetadata(in.Metadata),
		Metadata:       in.Metadata,
		MetadataErrors: in.MetadataErrors,
		Outputs:        in.Outputs,
		OutputsErrors:  in.OutputsErrors,
	}
	if err := p.store.CreateRelease(ctx, release); err != nil {
		return nil, err
	}

	log.Info().
		Str("owner", claim.Owner).
		Str("repo", claim.Repo).
		Str("version", normalized).
		Str("commit", commit.SHA).
		Str("release_id", release.ID.String()).
		Msg("release published")

	// Step 10: search indexing. The release row is the source of truth and
	// is never rolled back; a failure here leaves the release published but
	// not yet searchable, to be repaired by reindexing.
	doc := ProjectDocument(release, repo.Name, owner.Name)
	if err := p.index.Upsert(ctx, release.ID.String(), doc); err != nil {
		log.Error().
			Err(err).
			Str("owner", claim.Owner).
			Str("repo", claim.Repo).
			Str("version", normalized).
			Str("release_id", release.ID.String()).
			Msg("release published but not indexed")
		return &PublishResult{Release: release, Indexed: false}, nil
	}

	return &PublishResult{Release: release, Indexed: true}, nil
}

// resolveRef calls upstream, retrying a transient failure exactly once. The
// failed attempt has no side effects.
func (p *Pipeline) resolveRef(ctx context.Context, token, owner, repo, ref string) (*forge.Commit, error) {
	commit, err := p.resolver.ResolveRef(ctx, token, owner, repo, ref)
	if errors.Is(err, forge.ErrUnavailable) {
		log.Warn().Err(err).Str("ref", ref).Msg("upstream unavailable, retrying once")
		commit, err = p.resolver.ResolveRef(ctx, token, owner, repo, ref)
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

func (p *Pipeline) fetchReadme(ctx context.Context, token, owner, repo, sha, path string) (string, error) {
	content, err := p.files.RawFile(ctx, token, owner, repo, sha, path)
	if errors.Is(err, forge.ErrUnavailable) {
		log.Warn().Err(err).Str("path", path).Msg("upstream unavailable, retrying once")
		content, err = p.files.RawFile(ctx, token, owner, repo, sha, path)
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// materializeVersion guarantees every publish has some version string even
// with no explicit input: an explicit template with the commit timestamp
// substituted in, else the tag name, else a synthesized v0.1 timestamp
// version.
func materializeVersion(in *PublishInput, ref string, commit *forge.Commit) string {
	digits := commit.CommittedAt.UTC().Format(compactTimestamp)

	switch {
	case in.Version != nil && *in.Version != "":
		return strings.NewReplacer(
			"{datetime}", digits,
			"{date}", digits[:8],
			"{time}", digits[8:],
		).Replace(*in.Version)
	case strings.HasPrefix(ref, tagRefPrefix):
		return strings.TrimPrefix(ref, tagRefPrefix)
	default:
		return "v0.1." + digits
	}
}

func descriptionFromMetadata(metadata types.JSONMap) *string {
	if metadata == nil {
		return nil
	}
	if s, ok := metadata["description"].(string); ok {
		return &s
	}
	return nil
}

// ProjectDocument builds the search projection of a release. Also used by
// the reindex recovery path, so both always agree on the document shape.
func ProjectDocument(release *types.Release, repoName, ownerName string) search.Document {
	var description, readme, outputs string
	if release.Description != nil {
		description = *release.Description
	}
	if release.Readme != nil {
		readme = *release.Readme
	}
	if release.Outputs != nil {
		if encoded, err := json.Marshal(release.Outputs); err == nil {
			outputs = string(encoded)
		}
	}

	return search.Document{
		Description: description,
		Readme:      readme,
		Outputs:     outputs,
		Repo:        repoName,
		Owner:       ownerName,
	}
}
