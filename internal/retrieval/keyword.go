package retrieval

import (
	"context"
	"strings"
	"unicode"

	"github.com/banking/aml-agents/internal/domain"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "that": true,
	"this": true, "are": true, "was": true, "has": true, "have": true, "into": true,
	"of": true, "to": true, "in": true, "on": true, "by": true, "an": true, "or": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

type indexedDoc struct {
	doc    Document
	tokens map[string]struct{}
	lower  string
}

// memorySearcher scores documents by query-term overlap, with a full score for
// a verbatim substring hit.
type memorySearcher struct {
	docs []indexedDoc
}

func newMemorySearcher(docs []Document) *memorySearcher {
	m := &memorySearcher{docs: make([]indexedDoc, 0, len(docs))}
	for _, d := range docs {
		text := d.Title + " " + d.Category + " " + d.Text
		tokens := make(map[string]struct{})
		for _, t := range tokenize(text) {
			tokens[t] = struct{}{}
		}
		m.docs = append(m.docs, indexedDoc{doc: d, tokens: tokens, lower: strings.ToLower(text)})
	}
	return m
}

func (m *memorySearcher) Search(_ context.Context, query string, k int) ([]domain.RetrievedDocument, error) {
	terms := tokenize(query)
	phrase := strings.ToLower(strings.TrimSpace(query))

	out := []domain.RetrievedDocument{}
	for _, d := range m.docs {
		score := 0.0
		if phrase != "" && strings.Contains(d.lower, phrase) {
			score = 1.0
		} else if len(terms) > 0 {
			hits := 0
			for _, t := range terms {
				if _, ok := d.tokens[t]; ok {
					hits++
				}
			}
			score = float64(hits) / float64(len(terms))
		}
		if score > 0 {
			out = append(out, toRetrieved(d.doc, score))
		}
	}
	sortByScore(out)
	return truncate(out, k), nil
}
