package repohost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	generated []map[string]interface{}
	branches  map[string]string // ref -> sha
	deleted   []string
}

func newFakeHost(t *testing.T) (*fakeHost, *HTTPClient) {
	t.Helper()
	f := &fakeHost{branches: map[string]string{"main": "abc123"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/corral-templates/basic-app/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.generated = append(f.generated, body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/repos/corral-org/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": map[string]string{"sha": f.branches["main"]},
		})
	})
	mux.HandleFunc("/repos/corral-org/shop/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.branches[body["ref"]] = body["sha"]
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/repos/corral-org/shop/git/refs/heads/sandbox/shop-feat-x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/repos/corral-org/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})
	mux.HandleFunc("/repos/corral-org/shop", func(w http.ResponseWriter, r *http.Request) {
		f.deleted = append(f.deleted, "corral-org/shop")
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, NewHTTPClient(srv.URL, "gh-token", 0)
}

func TestCreateFromTemplate(t *testing.T) {
	f, c := newFakeHost(t)

	err := c.CreateFromTemplate(context.Background(), "corral-templates", "basic-app", "corral-org", "shop")
	require.NoError(t, err)

	require.Len(t, f.generated, 1)
	assert.Equal(t, "corral-org", f.generated[0]["owner"])
	assert.Equal(t, "shop", f.generated[0]["name"])
	assert.Equal(t, true, f.generated[0]["private"])
}

func TestCreateBranch(t *testing.T) {
	f, c := newFakeHost(t)

	err := c.CreateBranch(context.Background(), "corral-org", "shop", "sandbox/shop-feat-x", "main")
	require.NoError(t, err)

	assert.Equal(t, "abc123", f.branches["refs/heads/sandbox/shop-feat-x"])
}

func TestDeleteRepo(t *testing.T) {
	f, c := newFakeHost(t)

	require.NoError(t, c.Delete(context.Background(), "corral-org", "shop"))
	assert.Equal(t, []string{"corral-org/shop"}, f.deleted)
}

func TestDeleteAbsentRepoIsNoop(t *testing.T) {
	_, c := newFakeHost(t)
	assert.NoError(t, c.Delete(context.Background(), "corral-org", "gone"))
}

func TestDeleteBranch(t *testing.T) {
	_, c := newFakeHost(t)
	assert.NoError(t, c.DeleteBranch(context.Background(), "corral-org", "shop", "sandbox/shop-feat-x"))
}
