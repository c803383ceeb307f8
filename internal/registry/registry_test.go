package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/internal/forge"
	"github.com/flakestry/flakestry/internal/search"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&types.Owner{}, &types.Repository{}, &types.Release{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

// fakeResolver resolves refs from a fixed map and can fail a configurable
// number of leading calls with a transient error.
type fakeResolver struct {
	commits      map[string]*forge.Commit
	failuresLeft int
	failWith     error
	calls        int
}

func (f *fakeResolver) ResolveRef(ctx context.Context, token, owner, repo, ref string) (*forge.Commit, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, f.failWith
	}
	commit, ok := f.commits[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", forge.ErrRefNotFound, ref)
	}
	return commit, nil
}

// fakeFiles serves raw files from a map keyed by path.
type fakeFiles struct {
	files map[string]string
	err   error
}

func (f *fakeFiles) RawFile(ctx context.Context, token, owner, repo, sha, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", forge.ErrRefNotFound, path)
	}
	return content, nil
}

// fakeIndex records upserted documents and returns canned search hits.
type fakeIndex struct {
	docs        map[string]search.Document
	hits        []search.Hit
	failUpserts bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]search.Document)}
}

func (f *fakeIndex) Upsert(ctx context.Context, id string, doc search.Document) error {
	if f.failUpserts {
		return fmt.Errorf("index unavailable")
	}
	f.docs[id] = doc
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, query string) ([]search.Hit, error) {
	return f.hits, nil
}

func strPtr(s string) *string {
	return &s
}

func countRows(t *testing.T, db *common.Database, model interface{}) int64 {
	var count int64
	require.NoError(t, db.Model(model).Count(&count).Error)
	return count
}

func commitAt(sha, timestamp string) *forge.Commit {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		panic(err)
	}
	return &forge.Commit{SHA: sha, CommittedAt: ts}
}
