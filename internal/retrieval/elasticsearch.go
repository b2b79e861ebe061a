package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	elastic "github.com/elastic/go-elasticsearch/v8"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
)

// ElasticSearcher runs keyword queries against an Elasticsearch index of knowledge documents
type ElasticSearcher struct {
	client *elastic.Client
	index  string
}

// NewElasticSearcher creates a searcher and verifies the connection
func NewElasticSearcher(cfg config.RetrievalConfig) (*ElasticSearcher, error) {
	client, err := elastic.NewClient(elastic.Config{
		Addresses: cfg.ElasticAddresses,
		Username:  cfg.ElasticUsername,
		Password:  cfg.ElasticPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()

	return &ElasticSearcher{client: client, index: cfg.ElasticIndex}, nil
}

// IndexDocuments writes docs into the index, keyed by document id
func (s *ElasticSearcher) IndexDocuments(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		body := map[string]any{"title": d.Title, "category": d.Category, "text": d.Text}
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		res, err := s.client.Index(
			s.index,
			bytes.NewReader(data),
			s.client.Index.WithContext(ctx),
			s.client.Index.WithDocumentID(d.ID),
		)
		if err != nil {
			return fmt.Errorf("failed to index document %s: %w", d.ID, err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch error: %s", res.String())
		}
	}
	return nil
}

type esHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		Title    string `json:"title"`
		Category string `json:"category"`
		Text     string `json:"text"`
	} `json:"_source"`
}

type esResponse struct {
	Hits struct {
		MaxScore float64 `json:"max_score"`
		Hits     []esHit `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi_match query. Scores are normalized against the top hit so
// they share the [0,1] scale of the other retrieval paths.
func (s *ElasticSearcher) Search(ctx context.Context, query string, k int) ([]domain.RetrievedDocument, error) {
	esQuery := map[string]any{
		"size": k,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"title^2", "text", "category"},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, &domain.RetrievalUnavailableError{Backend: "elasticsearch", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, &domain.RetrievalUnavailableError{Backend: "elasticsearch", Err: fmt.Errorf("search error: %s", res.String())}
	}

	var parsed esResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]domain.RetrievedDocument, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		score := h.Score
		if parsed.Hits.MaxScore > 0 {
			score = h.Score / parsed.Hits.MaxScore
		}
		out = append(out, domain.RetrievedDocument{
			ID:       h.ID,
			Title:    h.Source.Title,
			Category: h.Source.Category,
			Text:     h.Source.Text,
			Score:    score,
		})
	}
	sortByScore(out)
	return out, nil
}
