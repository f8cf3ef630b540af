package reasonerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostframe/orchestrator/internal/collab"
)

func TestDecide_ReturnsDecisionText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/decide", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req decideRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "high", req.Complexity)
		_ = json.NewEncoder(w).Encode(decideResponse{Decision: "run nmap -sV target"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	decision, err := c.Decide(context.Background(), "what next?", collab.ComplexityHigh)
	require.NoError(t, err)
	assert.Equal(t, "run nmap -sV target", decision)
}

func TestDecide_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Decide(context.Background(), "prompt", collab.ComplexityLow)
	assert.Error(t, err)
}

func TestPing_HealthyReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPing_UnreachableErrors(t *testing.T) {
	c := New("http://127.0.0.1:1", "")
	assert.Error(t, c.Ping(context.Background()))
}
