// Package mailer sends transactional email through a primary provider
// with automatic fallback. Delivery failures are reported to the caller
// but never abort an enclosing task.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/log"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport delivers a message through one provider.
type Transport interface {
	Name() string
	Send(ctx context.Context, from string, msg *Message) error
}

// Mailer tries transports in order until one succeeds.
type Mailer struct {
	from       string
	transports []Transport
}

// New creates a mailer sending as from through the given transports.
func New(from string, transports ...Transport) *Mailer {
	return &Mailer{from: from, transports: transports}
}

// Send delivers the message via the first transport that accepts it.
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	if len(m.transports) == 0 {
		return fmt.Errorf("no mail transports configured")
	}

	var lastErr error
	for _, tr := range m.transports {
		if err := tr.Send(ctx, m.from, msg); err != nil {
			log.Warn(fmt.Sprintf("Mail transport %s failed for %s: %v", tr.Name(), msg.To, err))
			lastErr = err
			continue
		}
		log.Info(fmt.Sprintf("Email sent to %s via %s", msg.To, tr.Name()))
		return nil
	}
	return fmt.Errorf("all mail transports failed: %w", lastErr)
}

// HTTPTransport posts messages to a JSON email API with bearer auth.
// Resend and Postmark-style providers both fit this shape.
type HTTPTransport struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for a JSON email API.
func NewHTTPTransport(name, endpoint, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{
		name:       name,
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Name() string { return t.name }

func (t *HTTPTransport) Send(ctx context.Context, from string, msg *Message) error {
	body := map[string]interface{}{
		"from":    from,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"text":    msg.Text,
		"html":    msg.HTML,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
