package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/machine/vm1", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("ip"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"` + in["state"] + `"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second).WithBearer("k")
	var out map[string]string
	err := c.Do(context.Background(), http.MethodPut, "/machine/vm1", url.Values{"ip": {"1"}}, map[string]string{"state": "running"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "running", out["state"])
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such machine", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).Do(context.Background(), http.MethodGet, "/machine/x", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.False(t, IsStatus(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "no such machine")
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, 20*time.Millisecond).Do(context.Background(), http.MethodGet, "/", nil, nil, nil)
	require.Error(t, err)
	assert.False(t, IsStatus(err, http.StatusOK))
}
