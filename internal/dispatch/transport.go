package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Message is one personalized outbound email
type Message struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// Transport submits one message to the outbound delivery provider and
// returns the provider's message id. Implementations must honor the
// context deadline; the coordinator bounds every call.
type Transport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// isConnectivityError reports whether a send failure looks like the
// transport itself being unreachable rather than a per-recipient
// rejection. A whole batch of these marks the run systemic.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// HTTPTransport submits messages to an HTTP transmission API
type HTTPTransport struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport against an HTTP delivery API
func NewHTTPTransport(apiURL, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send submits one transmission
func (t *HTTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To}},
		},
		"content": map[string]interface{}{
			"from":     map[string]string{"name": msg.FromName, "email": msg.FromEmail},
			"reply_to": msg.ReplyTo,
			"subject":  msg.Subject,
			"html":     msg.HTML,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("transport error: status %d", resp.StatusCode)
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transport response: %w", err)
	}
	return result.Results.ID, nil
}
