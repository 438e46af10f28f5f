package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enclava/internal/config"
)

func TestGeminiComplete(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be brief", body.SystemInstruction.Parts[0].Text)
		assert.Equal(t, "hello", body.Contents[0].Parts[0].Text)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi "},{"text":"there"}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini("k")
	g.BaseURL = srv.URL
	out, err := g.Complete(context.Background(), Request{Model: "gemini-test", Preamble: "be brief", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGeminiClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewGemini("k")
	g.BaseURL = srv.URL
	_, err := g.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewProvider(t *testing.T) {
	_, err := New(config.Models{Provider: "gemini"})
	assert.Error(t, err)

	m, err := New(config.Models{Provider: "echo"})
	require.NoError(t, err)
	out, err := m.Complete(context.Background(), Request{Model: "x", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "[x] ping", out)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "[1, 2]", StripFences("```json\n[1, 2]\n```"))
	assert.Equal(t, "[3]", StripFences("  [3] "))
}
