package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmbedder_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"auth patterns"}, req.Input)
		assert.Equal(t, "nomic-embed", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`))
	}))
	defer server.Close()

	embedder := NewHTTPEmbedder(server.URL, "nomic-embed", "secret", 3)
	vec, err := embedder.Embed(context.Background(), "auth patterns")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, embedder.Dimension())
}

func TestHTTPEmbedder_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		dimension int
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, 3},
		{"empty data", http.StatusOK, `{"data":[]}`, 3},
		{"bad json", http.StatusOK, `{"data":`, 3},
		{"wrong dimension", http.StatusOK, `{"data":[{"embedding":[0.1,0.2]}]}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPEmbedder(server.URL, "", "", tt.dimension).Embed(context.Background(), "q")
			assert.Error(t, err)
		})
	}
}
