// Package api is the HTTP client for the archive server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rammingen-go/internal/proto"
)

// ErrKind classifies request failures for retry and reporting decisions.
type ErrKind int

const (
	// KindNetwork covers transport failures and 5xx responses; retried.
	KindNetwork ErrKind = iota
	// KindAuth covers rejected tokens; fatal for the run.
	KindAuth
	// KindApplication covers 4xx responses such as precondition failures
	// and hash mismatches; fatal for the item.
	KindApplication
)

// RequestError wraps a failed request with its classification.
type RequestError struct {
	Kind ErrKind
	Err  error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is a rejected-token failure.
func IsAuthError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Kind == KindAuth
}

func isRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind == KindNetwork
	}
	return true
}

const (
	defaultTimeout  = 30 * time.Second
	maxRetryElapsed = 2 * time.Minute
)

// Client talks to one server with one access token. All methods retry
// transient failures with exponential backoff; application and auth errors
// surface immediately.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
}

// New creates a client for the server at baseURL.
func New(baseURL, token string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	return &Client{
		// Streaming responses outlive any fixed deadline, so the client
		// relies on context cancellation instead of http.Client.Timeout.
		httpClient: &http.Client{},
		baseURL:    parsed,
		token:      token,
	}, nil
}

func (c *Client) endpoint(path string) string {
	ref := *c.baseURL
	ref.Path = path
	return ref.String()
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxRetryElapsed
	return backoff.WithContext(policy, ctx)
}

func classifyStatus(status int, body []byte) error {
	msg := string(bytes.TrimSpace(body))
	err := fmt.Errorf("server error (%d): %s", status, msg)
	switch {
	case status == http.StatusUnauthorized:
		return &RequestError{Kind: KindAuth, Err: err}
	case status >= 400 && status < 500:
		return &RequestError{Kind: KindApplication, Err: err}
	default:
		return &RequestError{Kind: KindNetwork, Err: err}
	}
}

// call performs one JSON request/response exchange with retries.
func call[Req any, Resp any](ctx context.Context, c *Client, op string, req *Req) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var resp *Resp
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(proto.APIPrefix+op), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return &RequestError{Kind: KindNetwork, Err: err}
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return &RequestError{Kind: KindNetwork, Err: err}
		}
		if httpResp.StatusCode != http.StatusOK {
			statusErr := classifyStatus(httpResp.StatusCode, respBody)
			if !isRetryable(statusErr) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		var decoded Resp
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		resp = &decoded
		return nil
	}

	if err := backoff.Retry(operation, c.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetEntry(ctx context.Context, req *proto.GetEntryRequest) (*proto.GetEntryResponse, error) {
	return call[proto.GetEntryRequest, proto.GetEntryResponse](ctx, c, proto.OpGetEntry, req)
}

func (c *Client) AddVersion(ctx context.Context, req *proto.AddVersionRequest) (*proto.AddVersionResponse, error) {
	return call[proto.AddVersionRequest, proto.AddVersionResponse](ctx, c, proto.OpAddVersion, req)
}

func (c *Client) MoveEntry(ctx context.Context, req *proto.MoveEntryRequest) (*proto.BulkActionResponse, error) {
	return call[proto.MoveEntryRequest, proto.BulkActionResponse](ctx, c, proto.OpMoveEntry, req)
}

func (c *Client) RemoveEntry(ctx context.Context, req *proto.RemoveEntryRequest) (*proto.BulkActionResponse, error) {
	return call[proto.RemoveEntryRequest, proto.BulkActionResponse](ctx, c, proto.OpRemoveEntry, req)
}

func (c *Client) ResetVersion(ctx context.Context, req *proto.ResetVersionRequest) (*proto.BulkActionResponse, error) {
	return call[proto.ResetVersionRequest, proto.BulkActionResponse](ctx, c, proto.OpResetVersion, req)
}

func (c *Client) ContentExists(ctx context.Context, hash proto.ContentHash) (bool, error) {
	resp, err := call[proto.ContentExistsRequest, proto.ContentExistsResponse](ctx, c, proto.OpContentExists, &proto.ContentExistsRequest{Hash: hash})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) GetSources(ctx context.Context) ([]proto.SourceInfo, error) {
	resp, err := call[proto.GetSourcesRequest, proto.GetSourcesResponse](ctx, c, proto.OpGetSources, &proto.GetSourcesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Sources, nil
}

func (c *Client) GetStatus(ctx context.Context) (*proto.GetStatusResponse, error) {
	return call[proto.GetStatusRequest, proto.GetStatusResponse](ctx, c, proto.OpGetStatus, &proto.GetStatusRequest{})
}

func (c *Client) CheckIntegrity(ctx context.Context) (*proto.CheckIntegrityResponse, error) {
	return call[proto.CheckIntegrityRequest, proto.CheckIntegrityResponse](ctx, c, proto.OpCheckIntegrity, &proto.CheckIntegrityRequest{})
}
