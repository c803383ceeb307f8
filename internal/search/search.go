// Package search owns the full-text index of release documents. The index is
// a derived, non-authoritative view of the relational store: documents may be
// missing or stale without affecting the releases they project.
package search

import "context"

// IndexName is the OpenSearch index holding release documents.
const IndexName = "flakes"

// Document is the full-text projection of one release, keyed by release ID.
type Document struct {
	Description string `json:"description"`
	Readme      string `json:"readme"`
	Outputs     string `json:"outputs"`
	Repo        string `json:"repo"`
	Owner       string `json:"owner"`
}

// Hit is one scored search result.
type Hit struct {
	ID    string
	Score float64
}

// Index is the search contract the registry depends on. Upsert must make the
// document visible to searches immediately.
type Index interface {
	Upsert(ctx context.Context, id string, doc Document) error
	Search(ctx context.Context, query string) ([]Hit, error)
}
