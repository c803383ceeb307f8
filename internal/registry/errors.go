package registry

import "errors"

// Failure classes the HTTP layer maps to status codes. Validation and
// conflict errors are detected before any write and carry no side effects.
var (
	// ErrMissingRefOrVersion: a publish named neither a ref nor a version.
	ErrMissingRefOrVersion = errors.New(`neither "ref" nor "version" were provided`)
	// ErrVersionExists: a release for (repository, version) already exists.
	ErrVersionExists = errors.New("version already exists")
	// ErrRepositoryNotFound: no such (owner, repo) pair.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrNoReleases: the repository exists but has no releases yet.
	ErrNoReleases = errors.New("repository has no releases")
	// ErrReleaseNotFound: no release with that exact version.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrIndexInconsistent: the search index references a release the store
	// does not have. Indicates a bug or external corruption; never masked.
	ErrIndexInconsistent = errors.New("search index references a missing release")
)
