package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/types"
)

func TestCreateMintsInteractionID(t *testing.T) {
	var got types.SessionConfig
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/interviews", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(types.Session{SessionID: "s1", InteractionID: got.InteractionID})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	sess, err := c.Create(context.Background(), types.SessionConfig{Model: "benefits"})
	require.NoError(t, err)

	assert.NotEmpty(t, got.InteractionID, "client must mint an interaction id")
	assert.Equal(t, "s1", sess.SessionID)
}

func TestSubmitCarriesSessionIdentifiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/interviews/submit", r.URL.Path)
		assert.Equal(t, "s1", r.URL.Query().Get("session"))
		assert.Equal(t, "i1", r.URL.Query().Get("interaction"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		data := body["data"].(map[string]any)
		assert.Equal(t, 42.0, data["income"])
		assert.Equal(t, "next", body["navigate"])

		json.NewEncoder(w).Encode(types.Session{SessionID: "s1", InteractionID: "i1"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	sess := &types.Session{SessionID: "s1", InteractionID: "i1"}
	next, err := c.Submit(context.Background(), sess, types.AttributeValues{"income": 42.0}, "next", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", next.SessionID)
}

func TestSimulatePayloadShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "api", p["mode"])
		assert.Equal(t, false, p["save"])
		assert.Equal(t, "total", p["goal"])
		json.NewEncoder(w).Encode(map[string]any{"total": 99.0})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	sess := &types.Session{SessionID: "s1", InteractionID: "i1"}
	out, err := c.Simulate(context.Background(), sess, SimulatePayload{
		Mode: "api", Save: false, Goal: "total",
		Data: types.AttributeValues{"a": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 99.0, out["total"])
}

func TestGetRulesEngineReturnsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("checksum"))
		w.Write([]byte("func Solve() {}"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	src, err := c.GetRulesEngine(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "func Solve() {}", src)
}

func TestStatusErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "release not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Load(context.Background(), types.SessionConfig{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "release not found")
}

func TestAuthorizationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(types.Session{})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "secret"})
	_, err := c.Create(context.Background(), types.SessionConfig{})
	require.NoError(t, err)
}
