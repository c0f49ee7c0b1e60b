package remote

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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Client talks to the remote authority. Every call carries a fixed timeout;
// a bearer token is injected when one is set (authenticate and health are
// tolerated without one).
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	token      string
}

// Credentials are what the authenticate call submits
type Credentials struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	CompanyID string `json:"companyId,omitempty"`
}

// User is the identity returned by the remote on authenticate
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"companyId"`
	Role      string `json:"role,omitempty"`
}

// AuthResult is the authenticate response
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// CreatedEvaluation is the create-evaluation acknowledgement
type CreatedEvaluation struct {
	ID string `json:"id"`
}

// ListFilter narrows list-evaluations
type ListFilter struct {
	LocationID  string
	EvaluatorID string
	DateFrom    string
	DateTo      string
}

// NewClient creates a remote client with the given per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// SetToken installs the bearer token used on subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// ClearToken drops the bearer token (logout path).
func (c *Client) ClearToken() {
	c.SetToken("")
}

// Authenticate exchanges credentials for a token and user snapshot.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", creds, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateToken checks a token against the remote. Used as fire-and-forget
// background validation after an offline session restore.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	headers := map[string]string{"Authorization": "Bearer " + token}
	return c.do(ctx, http.MethodGet, "/v1/auth/validate", nil, headers, nil)
}

// CreateEvaluation pushes one cleaned payload. The idempotency key is the
// client-generated local id; the remote is expected to deduplicate on it, so
// a retry racing a periodic sweep cannot create two remote records.
func (c *Client) CreateEvaluation(ctx context.Context, payload map[string]any, idempotencyKey string) (*CreatedEvaluation, error) {
	headers := map[string]string{"X-Idempotency-Key": idempotencyKey}
	var out CreatedEvaluation
	if err := c.do(ctx, http.MethodPost, "/v1/evaluations", payload, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvaluations fetches remote records matching the filter.
func (c *Client) ListEvaluations(ctx context.Context, f ListFilter) ([]map[string]any, error) {
	params := url.Values{}
	if f.LocationID != "" {
		params.Set("locationId", f.LocationID)
	}
	if f.EvaluatorID != "" {
		params.Set("evaluatorId", f.EvaluatorID)
	}
	if f.DateFrom != "" {
		params.Set("dateFrom", f.DateFrom)
	}
	if f.DateTo != "" {
		params.Set("dateTo", f.DateTo)
	}

	path := "/v1/evaluations"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out struct {
		Items []map[string]any `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Health issues a lightweight request and returns the round-trip latency.
// The link probe uses this to classify connection quality.
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.New().String())

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("path", path).Msg("remote request failed")
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote request completed")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var eb struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Schema/validation rejection. Blind retry cannot succeed.
		return &RejectedError{Status: resp.StatusCode, Message: msg}
	default:
		// 5xx and everything else is treated as transient.
		return &NetworkError{
			Op:  method + " " + path,
			Err: fmt.Errorf("remote status %d: %s", resp.StatusCode, msg),
		}
	}
}
