// Package kanban is the control plane's client for a tenant's board API.
// Agent pipelines use it to post progress comments and move cards; the
// board CRUD itself lives in the tenant containers.
package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxCommentLen = 2000

// Card is the subset of a tenant card the agent pipeline works with.
type Card struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	ColumnID  string   `json:"column_id"`
	Comments  []string `json:"comments"`
	Checklist []string `json:"checklist"`
}

// Column is a board column.
type Column struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the effect interface for a single tenant's API.
type Client interface {
	GetCard(ctx context.Context, boardID, cardID string) (*Card, error)
	ListColumns(ctx context.Context, boardID string) ([]Column, error)
	PostComment(ctx context.Context, boardID, cardID, author, text string) error
	MoveCard(ctx context.Context, boardID, cardID, columnID string) error
}

// HTTPClient talks to one tenant API over the internal network.
type HTTPClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the tenant API at baseURL,
// authenticating with the tenant's shared secret.
func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tenant api returned %d for %s %s: %s", resp.StatusCode, method, path, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// GetCard fetches a card with its recent comments and checklist.
func (c *HTTPClient) GetCard(ctx context.Context, boardID, cardID string) (*Card, error) {
	var card Card
	path := fmt.Sprintf("/api/boards/%s/cards/%s", boardID, cardID)
	if err := c.do(ctx, http.MethodGet, path, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// ListColumns fetches the board's columns.
func (c *HTTPClient) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	var columns []Column
	path := fmt.Sprintf("/api/boards/%s/columns", boardID)
	if err := c.do(ctx, http.MethodGet, path, nil, &columns); err != nil {
		return nil, err
	}
	return columns, nil
}

// PostComment adds a comment attributed to author. Text is truncated so
// runaway agent output cannot blow up the tenant store.
func (c *HTTPClient) PostComment(ctx context.Context, boardID, cardID, author, text string) error {
	if len(text) > maxCommentLen {
		text = text[:maxCommentLen] + "\n[truncated]"
	}
	path := fmt.Sprintf("/api/boards/%s/cards/%s/comments", boardID, cardID)
	return c.do(ctx, http.MethodPost, path, map[string]string{
		"author": author,
		"text":   text,
	}, nil)
}

// MoveCard moves a card to the given column.
func (c *HTTPClient) MoveCard(ctx context.Context, boardID, cardID, columnID string) error {
	path := fmt.Sprintf("/api/boards/%s/cards/%s/move", boardID, cardID)
	return c.do(ctx, http.MethodPost, path, map[string]string{
		"column_id": columnID,
	}, nil)
}

// FindColumn returns the first column whose name contains any of the
// keywords, case-insensitively.
func FindColumn(columns []Column, keywords ...string) (Column, bool) {
	for _, col := range columns {
		name := strings.ToLower(col.Name)
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				return col, true
			}
		}
	}
	return Column{}, false
}
