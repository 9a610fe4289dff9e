package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTool(name string) *Func {
	return NewFunc(name, func(ctx context.Context, params map[string]interface{}) (*Result, error) {
		return &Result{Output: "ok"}, nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopTool("fetch")))

	got, err := r.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())
	assert.True(t, r.Has("fetch"))
	assert.False(t, r.Has("publish"))
}

func TestRegistryRejectsDuplicateAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopTool("fetch")))

	err := r.Register(noopTool("fetch"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = r.Register(noopTool(""))
	require.Error(t, err)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(noopTool(name)))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestRemoteToolRoundTrip(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rows": 42}`))
	}))
	defer server.Close()

	remote := NewRemote("counter", server.URL)
	result, err := remote.Execute(context.Background(), map[string]interface{}{"table": "events"})
	require.NoError(t, err)

	assert.Equal(t, "events", gotBody["table"])
	output, ok := result.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), output["rows"])
	assert.Equal(t, "200", result.Metadata["status"])
}

func TestRemoteToolErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such table", http.StatusBadRequest)
	}))
	defer server.Close()

	remote := NewRemote("counter", server.URL)
	_, err := remote.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "no such table")
}

func TestRemoteToolTextPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text output"))
	}))
	defer server.Close()

	remote := NewRemote("text", server.URL)
	result, err := remote.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text output", result.Output)
}
