package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/system/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"states":{"a":{"id":"a","manifest":{"meta":{"name":"core"}}}},"stats":{},"assets":{},"ts":42}`))
	})
	mux.HandleFunc("/sources/store", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"src":{"id":"src","name":"Main","pups":{"core":{"name":"core","latestVersion":"1.0.0"}}}}`))
	})
	mux.HandleFunc("/pup/a/config", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var cfg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		require.Equal(t, "8080", cfg["port"])
		_, _ = w.Write([]byte(`{"id":"txn-1"}`))
	})
	mux.HandleFunc("/pup/a/enable", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"txn-2"}`))
	})
	mux.HandleFunc("/pup/a/disable", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/pup/b/enable", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such pup", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FetchSnapshotAndSources(t *testing.T) {
	srv := newBackend(t)
	c := NewClient(srv.URL+"/", WithToken("secret"))

	snap, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), snap.Timestamp())
	require.Equal(t, "core", snap.States["a"].Name())

	sources, err := c.FetchSources(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", sources["src"].Pups["core"].LatestVersion)
}

func TestClient_TransactionRequests(t *testing.T) {
	srv := newBackend(t)
	c := NewClient(srv.URL)

	res, err := c.PostPupConfig(context.Background(), "a", map[string]any{"port": "8080"})
	require.NoError(t, err)
	require.Equal(t, "txn-1", res.ID)

	res, err = c.PostPupAction(context.Background(), "a", "enable", nil)
	require.NoError(t, err)
	require.Equal(t, "txn-2", res.ID)

	_, err = c.PostPupAction(context.Background(), "a", "disable", nil)
	require.True(t, errors.Is(err, ErrNoTransaction))

	_, err = c.PostPupAction(context.Background(), "b", "enable", nil)
	require.True(t, errors.Is(err, &StatusError{Code: http.StatusNotFound}))
	require.False(t, errors.Is(err, &StatusError{Code: http.StatusInternalServerError}))
}

func TestClient_StreamURL(t *testing.T) {
	u, err := NewClient("https://dogebox.local:8080/api").StreamURL()
	require.NoError(t, err)
	require.Equal(t, "wss://dogebox.local:8080/api/ws/state/", u)

	u, err = NewClient("http://localhost:3000").StreamURL()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:3000/ws/state/", u)
}
