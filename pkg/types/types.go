package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// Owner represents a GitHub account or organization that holds repositories.
// Created lazily on first publish, never updated or deleted afterwards.
type Owner struct {
	ID           uuid.UUID    `json:"id" gorm:"primaryKey"`
	Name         string       `json:"name" gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time    `json:"created_at"`
	Repositories []Repository `json:"-" gorm:"foreignKey:OwnerID"`
}

// BeforeCreate generates a UUID for the owner ID
func (o *Owner) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Repository represents a project under an Owner. (owner, name) is unique.
type Repository struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"not null;uniqueIndex:idx_repositories_owner_name"`
	Description *string   `json:"description,omitempty"`
	OwnerID     uuid.UUID `json:"owner_id" gorm:"not null;uniqueIndex:idx_repositories_owner_name"`
	Owner       Owner     `json:"-" gorm:"foreignKey:OwnerID"`
	CreatedAt   time.Time `json:"created_at"`
	Releases    []Release `json:"-" gorm:"foreignKey:RepositoryID"`
}

// BeforeCreate generates a UUID for the repository ID
func (r *Repository) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Release represents one immutable published version of a Repository.
// (repository, version) is unique; rows are never updated or deleted.
type Release struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey"`
	RepositoryID   uuid.UUID  `json:"repository_id" gorm:"not null;uniqueIndex:idx_releases_repo_version"`
	Repository     Repository `json:"-" gorm:"foreignKey:RepositoryID"`
	Version        string     `json:"version" gorm:"not null;uniqueIndex:idx_releases_repo_version"`
	Commit         string     `json:"commit" gorm:"not null"`
	ReadmeFilename *string    `json:"readme_filename,omitempty"`
	Readme         *string    `json:"readme,omitempty"`
	Description    *string    `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Metadata       JSONMap    `json:"metadata,omitempty"`
	MetadataErrors *string    `json:"metadata_errors,omitempty"`
	Outputs        JSONMap    `json:"outputs,omitempty"`
	OutputsErrors  *string    `json:"outputs_errors,omitempty"`
}

// BeforeCreate generates a UUID for the release ID
func (r *Release) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// PublishRequest is the body of a publish call. The identity token and the
// GitHub credential travel out-of-band in headers.
type PublishRequest struct {
	Ref            *string `json:"ref"`
	Version        *string `json:"version"`
	Metadata       JSONMap `json:"metadata"`
	MetadataErrors *string `json:"metadata_errors"`
	Readme         *string `json:"readme"`
	Outputs        JSONMap `json:"outputs"`
	OutputsErrors  *string `json:"outputs_errors"`
}

// FlakeReleaseCompact is a compact subset of a release for list responses
type FlakeReleaseCompact struct {
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// FlakeRelease is the full read-side view of a release
type FlakeRelease struct {
	FlakeReleaseCompact
	Commit string `json:"commit"`
	Readme string `json:"readme"`
}

// FlakesResponse is the recent/search listing response
type FlakesResponse struct {
	Releases []FlakeReleaseCompact `json:"releases"`
	Count    int                   `json:"count"`
	Query    *string               `json:"query,omitempty"`
}

// OwnerResponse lists the latest release of every repository under an owner
type OwnerResponse struct {
	Repos []FlakeReleaseCompact `json:"repos"`
}

// RepoResponse lists every release of one repository, newest version first
type RepoResponse struct {
	Releases []FlakeRelease `json:"releases"`
	Latest   *FlakeRelease  `json:"latest,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Message string `json:"message"`
}
