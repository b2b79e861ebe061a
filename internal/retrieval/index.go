// Package retrieval provides similarity search over the AML knowledge base
// (regulations, typologies, country risk notes) with a keyword fallback.
package retrieval

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// Document is one retrievable knowledge-base passage
type Document struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Category  string    `json:"category" yaml:"category"`
	Text      string    `json:"text" yaml:"text"`
	Embedding []float32 `json:"embedding,omitempty" yaml:"embedding,omitempty"`
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeywordSearcher is a lexical search backend
type KeywordSearcher interface {
	Search(ctx context.Context, query string, k int) ([]domain.RetrievedDocument, error)
}

type snapshot struct {
	docs    []Document
	dim     int // embedding dimension shared by all docs, 0 when any doc lacks one
	keyword *memorySearcher
}

// Index answers similarity queries. Documents are swapped in as immutable snapshots.
type Index struct {
	snap     atomic.Pointer[snapshot]
	embedder Embedder
	external KeywordSearcher
	log      *logger.Logger
}

// Option configures an Index
type Option func(*Index)

// WithEmbedder enables the vector path
func WithEmbedder(e Embedder) Option {
	return func(i *Index) { i.embedder = e }
}

// WithKeywordSearcher sets an external keyword backend consulted before the in-memory one
func WithKeywordSearcher(s KeywordSearcher) Option {
	return func(i *Index) { i.external = s }
}

// NewIndex creates an empty index
func NewIndex(log *logger.Logger, opts ...Option) *Index {
	idx := &Index{log: log.Named("retrieval_index")}
	for _, o := range opts {
		o(idx)
	}
	idx.snap.Store(&snapshot{keyword: newMemorySearcher(nil)})
	return idx
}

// Len returns the number of indexed documents
func (i *Index) Len() int {
	return len(i.snap.Load().docs)
}

// Replace publishes docs as the new snapshot. When embed is set, documents without
// a vector are embedded first; embedding failures leave the document keyword-only.
func (i *Index) Replace(ctx context.Context, docs []Document, embed bool) {
	docs = append([]Document(nil), docs...)
	if embed && i.embedder != nil {
		for n := range docs {
			if len(docs[n].Embedding) > 0 {
				continue
			}
			vec, err := i.embedder.Embed(ctx, docs[n].Title+"\n"+docs[n].Text)
			if err != nil {
				i.log.RetrievalFallback("document embedding failed", err)
				break
			}
			docs[n].Embedding = vec
		}
	}

	i.snap.Store(&snapshot{
		docs:    docs,
		dim:     sharedDimension(docs),
		keyword: newMemorySearcher(docs),
	})
	i.log.Info("knowledge index replaced", logger.IntField("documents", len(docs)))
}

func sharedDimension(docs []Document) int {
	if len(docs) == 0 {
		return 0
	}
	dim := len(docs[0].Embedding)
	for _, d := range docs[1:] {
		if len(d.Embedding) != dim {
			return 0
		}
	}
	return dim
}

// Query returns at most k documents ordered by descending similarity. It never
// fails: without usable vectors it falls back to keyword search, and an empty
// index yields an empty result.
func (i *Index) Query(ctx context.Context, text string, k int) []domain.RetrievedDocument {
	snap := i.snap.Load()
	if k <= 0 || len(snap.docs) == 0 {
		return []domain.RetrievedDocument{}
	}

	if snap.dim > 0 && i.embedder != nil {
		vec, err := i.embedder.Embed(ctx, text)
		switch {
		case err != nil:
			i.log.RetrievalFallback("query embedding failed", &domain.RetrievalUnavailableError{Backend: "embedder", Err: err})
		case len(vec) != snap.dim:
			i.log.RetrievalFallback("embedding dimension mismatch", nil)
		default:
			return vectorSearch(snap.docs, vec, k)
		}
	}

	if i.external != nil {
		res, err := i.external.Search(ctx, text, k)
		if err == nil {
			return truncate(res, k)
		}
		i.log.RetrievalFallback("external keyword search failed", err)
	}

	res, _ := snap.keyword.Search(ctx, text, k)
	return res
}

func vectorSearch(docs []Document, query []float32, k int) []domain.RetrievedDocument {
	out := make([]domain.RetrievedDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, toRetrieved(d, cosine(query, d.Embedding)))
	}
	sortByScore(out)
	return truncate(out, k)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func toRetrieved(d Document, score float64) domain.RetrievedDocument {
	return domain.RetrievedDocument{ID: d.ID, Title: d.Title, Category: d.Category, Text: d.Text, Score: score}
}

// sortByScore orders by descending score, ties by id for stable output
func sortByScore(docs []domain.RetrievedDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
}

func truncate(docs []domain.RetrievedDocument, k int) []domain.RetrievedDocument {
	if len(docs) > k {
		return docs[:k]
	}
	return docs
}
