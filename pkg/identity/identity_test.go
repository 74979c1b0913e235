package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdP struct {
	mux              *http.ServeMux
	addPasswordFails int
	redirectURIs     []string
	deleted          []string
}

func newFakeIdP(t *testing.T) (*fakeIdP, *httptest.Server) {
	t.Helper()
	f := &fakeIdP{mux: http.NewServeMux()}

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-abc",
			"expires_in":   3600,
		})
	})
	f.mux.HandleFunc("/applications", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":    "obj-123",
			"appId": "app-456",
		})
	})
	f.mux.HandleFunc("/servicePrincipals", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	f.mux.HandleFunc("/applications/obj-123/addPassword", func(w http.ResponseWriter, r *http.Request) {
		if f.addPasswordFails > 0 {
			f.addPasswordFails--
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"secretText": "s3cret"})
	})
	f.mux.HandleFunc("/applications/obj-123", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Web struct {
					RedirectUris []string `json:"redirectUris"`
				} `json:"web"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.redirectURIs = body.Web.RedirectUris
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			f.deleted = append(f.deleted, "obj-123")
			w.WriteHeader(http.StatusNoContent)
		}
	})

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestClient(srv *httptest.Server) *HTTPClient {
	c := NewHTTPClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		Authority:    "https://login.example.com/tenant-1",
		TenantID:     "tenant-1",
		ClientID:     "portal",
		ClientSecret: "portal-secret",
	})
	c.retryDelay = time.Millisecond
	return c
}

func TestCreateAppRegistration(t *testing.T) {
	_, srv := newFakeIdP(t)
	c := newTestClient(srv)

	reg, err := c.CreateAppRegistration(context.Background(), "corral-shop",
		[]string{"https://shop.app.example.com/oauth/callback"})
	require.NoError(t, err)

	assert.Equal(t, "app-456", reg.AppID)
	assert.Equal(t, "obj-123", reg.ObjectID)
	assert.Equal(t, "s3cret", reg.Secret)
	assert.Equal(t, "tenant-1", reg.TenantID)
	assert.Equal(t, "https://login.example.com/tenant-1", reg.Authority)
}

func TestCreateAppRegistrationRetriesSecret(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.addPasswordFails = 2
	c := newTestClient(srv)

	reg, err := c.CreateAppRegistration(context.Background(), "corral-shop", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", reg.Secret)
}

func TestCreateAppRegistrationSecretExhausted(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.addPasswordFails = 5
	c := newTestClient(srv)

	_, err := c.CreateAppRegistration(context.Background(), "corral-shop", nil)
	assert.Error(t, err)
}

func TestUpdateRedirectURIs(t *testing.T) {
	f, srv := newFakeIdP(t)
	c := newTestClient(srv)

	uris := []string{
		"https://shop.app.example.com/oauth/callback",
		"https://shop-feat-x.sandbox.example.com/oauth/callback",
	}
	require.NoError(t, c.UpdateRedirectURIs(context.Background(), "obj-123", uris))
	assert.Equal(t, uris, f.redirectURIs)
}

func TestDelete(t *testing.T) {
	f, srv := newFakeIdP(t)
	c := newTestClient(srv)

	require.NoError(t, c.Delete(context.Background(), "obj-123"))
	assert.Equal(t, []string{"obj-123"}, f.deleted)
}
