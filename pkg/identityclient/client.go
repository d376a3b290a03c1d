/**
 * @description
 * This package provides a client for the identity service's internal API. The
 * session service uses it to end a user's provider session when a dashboard tab
 * signs out.
 */
package identityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// RevokeSessionRequest defines the request payload for ending a provider session.
type RevokeSessionRequest struct {
	IdentityID string `json:"identity_id"`
	SessionID  string `json:"session_id,omitempty"`
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("identity service returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("identity service returned status %d", e.StatusCode)
}

// SignOut asks the identity service to revoke the session. A session the service
// no longer knows about is treated as already revoked.
func (c *Client) SignOut(ctx context.Context, identityID, sessionID string) error {
	if c.baseURL == "" {
		return fmt.Errorf("identity service base url is empty")
	}

	body, err := json.Marshal(RevokeSessionRequest{IdentityID: identityID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/sessions/revoke", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		log.Printf("level=info component=identity_client op=sign_out identity_id=%s session_id=%s msg=\"session already revoked\"", identityID, sessionID)
		return nil
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp struct {
		Error string `json:"error"`
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if json.Unmarshal(bodyBytes, &errResp) == nil {
		statusErr.Message = errResp.Error
	}
	log.Printf("level=warn component=identity_client op=sign_out status=%d identity_id=%s msg=%q", resp.StatusCode, identityID, statusErr.Message)
	return statusErr
}
