package ai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
)

func TestOllamaClient_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}

		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "qwen2.5", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      req.Model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message":    map[string]string{"role": "assistant", "content": "```json\n{\"category\":\"billing\",\"confidence\":88}\n```"},
			"done":       true,
		})
	}))
	defer srv.Close()

	client, err := ai.NewOllamaClient(ai.OllamaConfig{ServerURL: srv.URL, Model: "qwen2.5"})
	require.NoError(t, err)

	got, err := client.Score(context.Background(), "where is my invoice", []string{"sales", "billing"})
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Category)
	assert.Equal(t, 88.0, got.ConfidencePercent)
}
