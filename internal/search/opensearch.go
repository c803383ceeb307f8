package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flakestry/flakestry/pkg/config"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// OpenSearchIndex implements Index against an OpenSearch cluster.
type OpenSearchIndex struct {
	client *opensearch.Client
}

// NewOpenSearchIndex connects to the cluster and creates the flakes index if
// it does not exist yet.
func NewOpenSearchIndex(ctx context.Context, cfg *config.SearchConfig) (*OpenSearchIndex, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	index := &OpenSearchIndex{client: client}
	if err := index.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return index, nil
}

func (o *OpenSearchIndex) ensureIndex(ctx context.Context) error {
	exists := opensearchapi.IndicesExistsRequest{Index: []string{IndexName}}
	resp, err := exists.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", IndexName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		return nil
	}

	create := opensearchapi.IndicesCreateRequest{Index: IndexName}
	createResp, err := create.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", IndexName, err)
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("failed to create index %s: %s", IndexName, createResp.String())
	}
	return nil
}

// Upsert indexes the document under id with an immediate refresh, so a
// subsequent search sees it without an eventual-consistency window.
func (o *OpenSearchIndex) Upsert(ctx context.Context, id string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      IndexName,
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	resp, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to index document %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("failed to index document %s: %s", id, resp.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID    string  `json:"_id"`
			Score float64 `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a fuzzy multi-field match and returns up to ten scored hits,
// highest score first. Description, repo and owner are weighted above readme
// and outputs.
func (o *OpenSearchIndex) Search(ctx context.Context, query string) ([]Hit, error) {
	body := map[string]interface{}{
		"size": 10,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     query,
				"fuzziness": "AUTO",
				"fields": []string{
					"description^2",
					"readme",
					"outputs",
					"repo^2",
					"owner^2",
				},
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{IndexName},
		Body:  strings.NewReader(string(encoded)),
	}
	resp, err := req.Do(ctx, o.client)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("search failed: %s", resp.String())
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(decoded.Hits.Hits))
	for _, h := range decoded.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}
