// Package repohost drives source repository lifecycle at the hosting
// provider: template instantiation for workspaces and branch management
// for sandboxes.
package repohost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/corralhq/corral/pkg/log"
)

// Client is the effect interface consumed by provisioning pipelines.
type Client interface {
	CreateFromTemplate(ctx context.Context, templateOwner, templateRepo, newOwner, newRepo string) error
	Delete(ctx context.Context, owner, repo string) error
	CreateBranch(ctx context.Context, owner, repo, newBranch, fromBranch string) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// HTTPClient implements Client against a GitHub-style REST API with
// bearer auth, behind a circuit breaker.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a repo host client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "repo-host",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	status := 0
	_, err := c.breaker.Execute(func() (interface{}, error) {
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("repo host returned %d for %s %s: %s", resp.StatusCode, method, path, string(data))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return status, err
}

// CreateFromTemplate instantiates a template repository under the new
// owner.
func (c *HTTPClient) CreateFromTemplate(ctx context.Context, templateOwner, templateRepo, newOwner, newRepo string) error {
	body := map[string]interface{}{
		"owner":   newOwner,
		"name":    newRepo,
		"private": true,
	}
	path := fmt.Sprintf("/repos/%s/%s/generate", templateOwner, templateRepo)
	if _, err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to create repository from template: %w", err)
	}
	log.Info(fmt.Sprintf("Repository created: %s/%s (from %s/%s)", newOwner, newRepo, templateOwner, templateRepo))
	return nil
}

// Delete removes a repository. Absence is not an error.
func (c *HTTPClient) Delete(ctx context.Context, owner, repo string) error {
	status, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	log.Info(fmt.Sprintf("Repository deleted: %s/%s", owner, repo))
	return nil
}

// CreateBranch creates newBranch pointing at the head of fromBranch.
func (c *HTTPClient) CreateBranch(ctx context.Context, owner, repo, newBranch, fromBranch string) error {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	refPath := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, fromBranch)
	if _, err := c.do(ctx, http.MethodGet, refPath, nil, &ref); err != nil {
		return fmt.Errorf("failed to resolve branch %s: %w", fromBranch, err)
	}

	body := map[string]string{
		"ref": "refs/heads/" + newBranch,
		"sha": ref.Object.SHA,
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), body, nil); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", newBranch, err)
	}
	log.Info(fmt.Sprintf("Branch created: %s/%s %s (from %s)", owner, repo, newBranch, fromBranch))
	return nil
}

// DeleteBranch removes a branch. Absence is not an error.
func (c *HTTPClient) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	status, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, branch), nil, nil)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
			return nil
		}
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}
