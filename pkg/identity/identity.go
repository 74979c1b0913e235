// Package identity drives app-registration lifecycle at the OAuth
// identity provider through its management API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/corralhq/corral/pkg/log"
)

const (
	// addPassword can race registration propagation at the provider
	secretRetries    = 3
	secretRetryDelay = 2 * time.Second
)

// AppRegistration is the result of creating an application at the IdP.
type AppRegistration struct {
	AppID     string
	ObjectID  string
	Secret    string
	TenantID  string
	Authority string
}

// Client is the effect interface consumed by provisioning pipelines.
type Client interface {
	CreateAppRegistration(ctx context.Context, displayName string, redirectURIs []string) (*AppRegistration, error)
	UpdateRedirectURIs(ctx context.Context, objectID string, redirectURIs []string) error
	Delete(ctx context.Context, objectID string) error
}

// HTTPClient talks to a Graph-style management API with client-credentials
// auth. Calls run through a circuit breaker so a misbehaving provider
// fails fast instead of tying up pipeline workers.
type HTTPClient struct {
	baseURL      string
	tokenURL     string
	authority    string
	tenantID     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	retryDelay time.Duration
}

// Config carries the IdP connection settings.
type Config struct {
	BaseURL      string
	TokenURL     string
	Authority    string
	TenantID     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// NewHTTPClient creates an IdP client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		authority:    cfg.Authority,
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "identity-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		retryDelay: secretRetryDelay,
	}
}

// token returns a cached client-credentials token, refreshing when it has
// less than a minute left.
func (c *HTTPClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"https://graph.microsoft.com/.default"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to acquire token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("identity provider returned %d for %s %s: %s", resp.StatusCode, method, path, string(data))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// CreateAppRegistration creates the application, its service principal and
// a client secret. Secret creation is retried because freshly created
// applications can lag behind at the provider.
func (c *HTTPClient) CreateAppRegistration(ctx context.Context, displayName string, redirectURIs []string) (*AppRegistration, error) {
	var app struct {
		ID    string `json:"id"`
		AppID string `json:"appId"`
	}
	createBody := map[string]interface{}{
		"displayName": displayName,
		"web": map[string]interface{}{
			"redirectUris": redirectURIs,
		},
		"signInAudience": "AzureADMyOrg",
	}
	if err := c.do(ctx, http.MethodPost, "/applications", createBody, &app); err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	spBody := map[string]interface{}{"appId": app.AppID}
	if err := c.do(ctx, http.MethodPost, "/servicePrincipals", spBody, nil); err != nil {
		return nil, fmt.Errorf("failed to create service principal: %w", err)
	}

	var secret struct {
		SecretText string `json:"secretText"`
	}
	pwBody := map[string]interface{}{
		"passwordCredential": map[string]interface{}{
			"displayName": displayName + "-secret",
		},
	}
	var lastErr error
	for attempt := 1; attempt <= secretRetries; attempt++ {
		lastErr = c.do(ctx, http.MethodPost, "/applications/"+app.ID+"/addPassword", pwBody, &secret)
		if lastErr == nil {
			break
		}
		log.Warn(fmt.Sprintf("IdP addPassword attempt %d/%d failed: %v", attempt, secretRetries, lastErr))
		if attempt < secretRetries {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to create client secret: %w", lastErr)
	}

	log.Info(fmt.Sprintf("App registration created: %s (%s)", displayName, app.AppID))

	return &AppRegistration{
		AppID:     app.AppID,
		ObjectID:  app.ID,
		Secret:    secret.SecretText,
		TenantID:  c.tenantID,
		Authority: c.authority,
	}, nil
}

// UpdateRedirectURIs replaces the application's web redirect URIs.
func (c *HTTPClient) UpdateRedirectURIs(ctx context.Context, objectID string, redirectURIs []string) error {
	body := map[string]interface{}{
		"web": map[string]interface{}{
			"redirectUris": redirectURIs,
		},
	}
	if err := c.do(ctx, http.MethodPatch, "/applications/"+objectID, body, nil); err != nil {
		return fmt.Errorf("failed to update redirect uris: %w", err)
	}
	return nil
}

// Delete removes the application. Absence at the provider is not an error.
func (c *HTTPClient) Delete(ctx context.Context, objectID string) error {
	err := c.do(ctx, http.MethodDelete, "/applications/"+objectID, nil, nil)
	if err != nil && strings.Contains(err.Error(), "returned 404") {
		return nil
	}
	return err
}
