package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lcpu-dev/labsched/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGitlab struct {
	mu      sync.Mutex
	nextID  int
	groups  map[string]map[string]interface{}
	users   map[string]map[string]interface{}
	members map[string]bool
	creates int
}

func newFakeGitlab() *fakeGitlab {
	return &fakeGitlab{
		nextID:  100,
		groups:  map[string]map[string]interface{}{},
		users:   map[string]map[string]interface{}{},
		members: map[string]bool{},
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeGitlab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("PRIVATE-TOKEN") != "glpat" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401 Unauthorized"})
		return
	}
	body := map[string]interface{}{}
	if r.Method == http.MethodPost {
		json.NewDecoder(r.Body).Decode(&body)
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v4")
	switch {
	case r.Method == http.MethodPost && path == "/groups":
		f.creates++
		p := body["path"].(string)
		if _, ok := f.groups[p]; ok {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": map[string][]string{"path": {"has already been taken"}}})
			return
		}
		f.nextID++
		g := map[string]interface{}{"id": f.nextID, "name": body["name"], "path": p, "full_path": p, "web_url": "https://gitlab.test/groups/" + p}
		f.groups[p] = g
		writeJSON(w, http.StatusCreated, g)
	case r.Method == http.MethodGet && path == "/groups":
		out := []interface{}{}
		for p, g := range f.groups {
			if strings.Contains(p, r.URL.Query().Get("search")) {
				out = append(out, g)
			}
		}
		writeJSON(w, http.StatusOK, out)
	case r.Method == http.MethodPost && path == "/users":
		f.creates++
		u := body["username"].(string)
		if _, ok := f.users[u]; ok {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "Username has already been taken"})
			return
		}
		f.nextID++
		usr := map[string]interface{}{"id": f.nextID, "username": u, "name": body["name"], "email": body["email"], "web_url": "https://gitlab.test/" + u}
		f.users[u] = usr
		writeJSON(w, http.StatusCreated, usr)
	case r.Method == http.MethodGet && path == "/users":
		out := []interface{}{}
		if u, ok := f.users[r.URL.Query().Get("username")]; ok {
			out = append(out, u)
		}
		writeJSON(w, http.StatusOK, out)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/groups/") && strings.HasSuffix(path, "/members"):
		key := strings.Split(path, "/")[2] + "/" + strconv.Itoa(int(body["user_id"].(float64)))
		if f.members[key] {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "Member already exists"})
			return
		}
		f.members[key] = true
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": body["user_id"], "access_level": body["access_level"]})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
	}
}

func newTestGitlab(t *testing.T) (*fakeGitlab, *Gitlab) {
	f := newFakeGitlab()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	g, err := NewGitlab(GitlabOptions{URL: srv.URL, Key: "glpat", EmailDomain: "labs.test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return f, g
}

func TestEnsureGroupAdoptsOnCollision(t *testing.T) {
	ctx := context.Background()
	_, g := newTestGitlab(t)

	first, err := g.EnsureGroup(ctx, "pub123", "net-pub123")
	require.NoError(t, err)
	second, err := g.EnsureGroup(ctx, "pub123", "net-pub123")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://gitlab.test/groups/pub123", second.Link)
}

func TestCreateContextIdempotent(t *testing.T) {
	ctx := context.Background()
	f, g := newTestGitlab(t)
	inst := &models.Instance{Lab: models.Lab{ID: "net"}, Username: "alice", PublicToken: "pub123"}

	first, err := g.CreateContext(ctx, inst)
	require.NoError(t, err)
	assert.NotEmpty(t, first.User.Password)
	assert.Equal(t, "pub123@labs.test", first.User.Email)
	assert.Equal(t, "alice", first.User.Name)

	second, err := g.CreateContext(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, first.Group.ID, second.Group.ID)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Empty(t, second.User.Password)

	assert.Len(t, f.groups, 1)
	assert.Len(t, f.users, 1)
	assert.Len(t, f.members, 1)
}

func TestEnsureUserRejected(t *testing.T) {
	f := newFakeGitlab()
	srv := httptest.NewServer(f)
	defer srv.Close()
	g, err := NewGitlab(GitlabOptions{URL: srv.URL, Key: "wrong"})
	require.NoError(t, err)

	_, err = g.EnsureUser(context.Background(), "pub", "alice")
	require.Error(t, err)
	assert.False(t, isTaken(err))
}

func TestLabProxyStripsDestination(t *testing.T) {
	var got map[string]map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/endpoint/priv", r.URL.Path)
		assert.Equal(t, "pk", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		out := map[string]interface{}{}
		for name := range got {
			out[name] = map[string]interface{}{"key": name + "-key", "link": "https://proxy.test/" + name, "destination": "10.0.0.1:22"}
		}
		writeJSON(w, http.StatusOK, out)
	}))
	defer srv.Close()

	p := NewLabProxy(srv.URL, "pk", time.Second)
	inst := &models.Instance{Lab: models.Lab{ID: "net", Endpoints: []string{"ssh", "web"}}, PrivateToken: "priv"}
	eps, err := p.RegisterEndpoints(context.Background(), inst)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "ssh-key", eps["ssh"]["key"])
	assert.NotContains(t, eps["ssh"], "destination")
	assert.NotContains(t, eps["web"], "destination")
}

func TestLabProxyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewLabProxy(srv.URL, "", time.Second).RegisterEndpoints(context.Background(), &models.Instance{PrivateToken: "p"})
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Failed to register endpoints", ce.Message)
}

func TestAssistantCreateUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/user", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("X-API-Key"))
		in := &assistantUserPost{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(in))
		assert.Equal(t, "alice", in.Username)
		assert.Equal(t, "h1", in.LabHash)
		writeJSON(w, http.StatusOK, map[string]string{"key": "user-key"})
	}))
	defer srv.Close()

	inst := &models.Instance{
		Lab:         models.Lab{ID: "net", Assistant: &models.AssistantConfig{URL: srv.URL + "/", Key: "ak", LabHash: "h1"}},
		Username:    "alice",
		PublicToken: "pub",
	}
	res, err := NewAssistant(time.Second).CreateUser(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "user-key", res.UserKey)
	assert.Equal(t, srv.URL+"/#/lab/h1", res.Link)
	assert.NotContains(t, res.Link, "user-key")
}

func TestAssistantMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer srv.Close()

	inst := &models.Instance{Lab: models.Lab{Assistant: &models.AssistantConfig{URL: srv.URL, LabHash: "h"}}}
	_, err := NewAssistant(time.Second).CreateUser(context.Background(), inst)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Failed to create assistant user", ce.Message)
	assert.True(t, errors.Is(err, errMissingKey))
}
