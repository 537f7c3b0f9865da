package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/position"
	"github.com/alexjbarnes/reader-sync/internal/state"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

const (
	defaultHTTPTimeout = 30 * time.Second

	// Cap response reads. API responses are small JSON payloads.
	maxAPIResponseBytes = 1 << 20
)

// Client talks to the reader-sync server API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for the server at baseURL.
// If httpClient is nil, a client with a sensible timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// SetToken sets the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Wire types for the /v1 endpoints.
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type pushRequest struct {
	BookID     string  `json:"book_id"`
	CFI        string  `json:"cfi"`
	Percentage float64 `json:"percentage"`
	Timestamp  int64   `json:"timestamp"`
	DeviceID   string  `json:"device_id"`
	PageNumber int     `json:"page_number,omitempty"`
	ChapterID  string  `json:"chapter_id,omitempty"`
}

type wireRecord struct {
	BookID      string  `json:"book_id"`
	CFI         string  `json:"cfi"`
	Percentage  float64 `json:"percentage"`
	PageNumber  int     `json:"page_number,omitempty"`
	ChapterID   string  `json:"chapter_id,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	DeviceID    string  `json:"device_id"`
	SyncVersion int64   `json:"sync_version"`
}

type pushResponse struct {
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	ServerState *wireRecord `json:"server_state,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignIn authenticates and returns a session token. The token is not
// stored on the client; call SetToken with it once persisted.
func (c *Client) SignIn(ctx context.Context, username, password string) (string, error) {
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/v1/auth/token", tokenRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("signing in: %w", err)
	}

	return resp.Token, nil
}

// Push submits one local record to the server resolver. A non-nil
// PushResult is returned even when the server keeps its own state.
func (c *Client) Push(ctx context.Context, rec state.ProgressRecord) (*PushResult, error) {
	cfi, err := position.Compress(rec.Position)
	if err != nil {
		return nil, fmt.Errorf("compressing position for %s: %w", rec.BookID, err)
	}

	req := pushRequest{
		BookID:     rec.BookID,
		CFI:        cfi,
		Percentage: rec.Percentage,
		Timestamp:  rec.UpdatedAt,
		DeviceID:   rec.DeviceID,
		PageNumber: rec.PageNumber,
		ChapterID:  rec.ChapterID,
	}

	var resp pushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/progress", req, &resp); err != nil {
		return nil, fmt.Errorf("pushing progress for %s: %w", rec.BookID, err)
	}

	result := &PushResult{
		Status: resp.Status,
		Reason: resp.Reason,
	}

	if resp.ServerState != nil {
		server, err := decodeRecord(*resp.ServerState)
		if err != nil {
			return nil, fmt.Errorf("decoding server state for %s: %w", rec.BookID, err)
		}

		result.ServerState = &server
	}

	return result, nil
}

// Pull fetches up to limit records, most recently updated first.
func (c *Client) Pull(ctx context.Context, limit int) ([]ServerRecord, error) {
	endpoint := "/v1/progress"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	var wireRecords []wireRecord
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wireRecords); err != nil {
		return nil, fmt.Errorf("pulling progress: %w", err)
	}

	records := make([]ServerRecord, 0, len(wireRecords))

	for _, wire := range wireRecords {
		rec, err := decodeRecord(wire)
		if err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", wire.BookID, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

func decodeRecord(wire wireRecord) (ServerRecord, error) {
	pos, err := position.Decompress(wire.CFI)
	if err != nil {
		return ServerRecord{}, err
	}

	return ServerRecord{
		BookID:      wire.BookID,
		Position:    pos,
		Percentage:  wire.Percentage,
		PageNumber:  wire.PageNumber,
		ChapterID:   wire.ChapterID,
		UpdatedAt:   wire.Timestamp,
		DeviceID:    wire.DeviceID,
		SyncVersion: wire.SyncVersion,
	}, nil
}

// do sends a JSON request and decodes the 2xx response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// statusError converts a non-200 response into an error, classifying
// retryable server conditions as transient and mapping auth failures to
// the package sentinels.
func (c *Client) statusError(endpoint string, code int, body []byte) error {
	var apiErr apiErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		err := fmt.Errorf("API %s (%d %s): %s", endpoint, code, apiErr.Error.Code, apiErr.Error.Message)

		switch {
		case isTransientStatus(code):
			return &TransientError{Err: err}
		case code == http.StatusUnauthorized && endpoint == "/v1/auth/token":
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
		case code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
		}

		return err
	}

	err := fmt.Errorf("API %s returned status %d: %s", endpoint, code, string(body))
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
