package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

func TestOllamaComplete(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"mistral","response":"{\"risk_score\":12}","done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", "nomic-embed-text")
	res, err := c.Complete(context.Background(), &Request{
		Model:  "mistral",
		System: "you are an analyst",
		Prompt: "assess",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"risk_score":12}`, res.Content)
	assert.Equal(t, "mistral", got.Model)
	assert.False(t, got.Stream)
	assert.JSONEq(t, `{"type":"object"}`, string(got.Format))
}

func TestOllamaDefaultsToJSONFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"{}"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "").Complete(context.Background(), &Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "json", got["format"])
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "").Complete(context.Background(), &Request{Model: "x", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOllamaClient(srv.URL, "").Complete(ctx, &Request{Model: "x", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25,1]}`))
	}))
	defer srv.Close()

	vec, err := NewOllamaClient(srv.URL, "nomic-embed-text").Embed(context.Background(), "structuring")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 1}, vec)
}

type flakyProvider struct {
	calls int
	err   error
}

func (f *flakyProvider) Complete(context.Context, *Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Content: "{}"}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{err: errors.New("connection refused")}
	cfg := &config.AgentsConfig{BreakerFailures: 3, BreakerTimeout: time.Minute}
	b := NewBreakerProvider(inner, "l1", cfg, logger.NewNop())

	for i := 0; i < 3; i++ {
		_, err := b.Complete(context.Background(), &Request{})
		require.Error(t, err)
		assert.False(t, IsOpen(err))
	}

	_, err := b.Complete(context.Background(), &Request{})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "open", b.State())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreakerProvider(inner, "l2", &config.AgentsConfig{}, logger.NewNop())

	res, err := b.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "{}", res.Content)
	assert.Equal(t, "closed", b.State())
}
