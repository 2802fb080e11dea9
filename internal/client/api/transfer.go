package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"rammingen-go/internal/proto"
)

// Upload streams encrypted content to the server. open must return a fresh
// reader of the full blob on every call, since a failed attempt is retried
// from the start.
func (c *Client) Upload(ctx context.Context, hash proto.ContentHash, size int64, open func() (io.Reader, error)) (existed bool, err error) {
	operation := func() error {
		body, err := open()
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(proto.ContentPrefix+hash.Hex()), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
		httpReq.Header.Set("Content-Type", "application/octet-stream")
		httpReq.ContentLength = size

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

		var ack proto.ContentUploadResponse
		if err := json.Unmarshal(respBody, &ack); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding upload ack: %w", err))
		}
		existed = ack.Existed
		return nil
	}

	err = backoff.Retry(operation, c.newBackoff(ctx))
	return existed, err
}

// Download opens the encrypted content stream for a hash. The caller owns
// the returned body and must verify the content hash after reading.
func (c *Client) Download(ctx context.Context, hash proto.ContentHash) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(proto.ContentPrefix+hash.Hex()), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return &RequestError{Kind: KindNetwork, Err: err}
		}
		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			httpResp.Body.Close()
			statusErr := classifyStatus(httpResp.StatusCode, respBody)
			if !isRetryable(statusErr) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		size = -1
		if lengthHeader := httpResp.Header.Get("Content-Length"); lengthHeader != "" {
			if parsed, err := strconv.ParseInt(lengthHeader, 10, 64); err == nil {
				size = parsed
			}
		}
		body = httpResp.Body
		return nil
	}

	if err := backoff.Retry(operation, c.newBackoff(ctx)); err != nil {
		return nil, 0, err
	}
	return body, size, nil
}
