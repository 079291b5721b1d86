// Package remote is the HTTP client for the sync contract: bulk writes
// with push idempotency, purges, delta pulls, server time, and the
// realtime websocket feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	boardsync "github.com/hyperengineering/flowsync/internal/sync"
)

// Client talks to one remote store on behalf of one source identity.
type Client struct {
	baseURL  string
	apiKey   string
	sourceID string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client. sourceID identifies this device in write
// requests and scope headers.
func NewClient(baseURL, apiKey, sourceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		sourceID: sourceID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "remote"),
	}
}

// Ping checks connectivity without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// ServerTime fetches the remote clock. Satisfies clock.TimeSource.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/time", "", nil)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, c.statusError(resp)
	}
	var body boardsync.ServerTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	return body.ServerTime, nil
}

// BulkWrite pushes a transactional batch. The PushID in the request is
// the idempotency key; resending after a dropped acknowledgement is
// safe.
func (c *Client) BulkWrite(ctx context.Context, collectionID string, req boardsync.WriteRequest) (*boardsync.WriteResponse, error) {
	req.CollectionID = collectionID
	if req.SourceID == "" {
		req.SourceID = c.sourceID
	}

	resp, err := c.send(ctx, http.MethodPost, "/api/v1/sync/write", collectionID, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body boardsync.WriteResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode write response: %w", err)
		}
		return &body, nil
	case http.StatusConflict:
		var body boardsync.WriteErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && len(body.Errors) > 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrVersionConflict, body.Errors[0].ID, body.Errors[0].Message)
		}
		return nil, ErrVersionConflict
	default:
		return nil, c.statusError(resp)
	}
}

// Purge permanently deletes entities remotely. Returned attachment keys
// are storage paths the caller garbage-collects separately.
func (c *Client) Purge(ctx context.Context, collectionID string, ids []string) (*boardsync.PurgeResponse, error) {
	req := boardsync.PurgeRequest{
		CollectionID: collectionID,
		EntityIDs:    ids,
		DeletedBy:    c.sourceID,
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/sync/purge", collectionID, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	var body boardsync.PurgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode purge response: %w", err)
	}
	return &body, nil
}

// Delta fetches rows modified strictly after the cursor, soft-deleted
// rows included.
func (c *Client) Delta(ctx context.Context, collectionID string, since time.Time, limit int) (*boardsync.DeltaResponse, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/sync/delta"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	resp, err := c.send(ctx, http.MethodGet, path, collectionID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	var body boardsync.DeltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode delta response: %w", err)
	}
	return &body, nil
}

// send issues an authenticated JSON request. Transport failures map to
// ErrNetworkUnavailable.
func (c *Client) send(ctx context.Context, method, path, collectionID string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-ID", c.sourceID)
	if collectionID != "" {
		req.Header.Set("X-Collection-ID", collectionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return resp, nil
}

// statusError maps unexpected statuses to the error taxonomy. The body
// is drained so the connection can be reused.
func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusConflict:
		return ErrVersionConflict
	default:
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrNetworkUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("remote error %d: %s", resp.StatusCode, string(detail))
	}
}
