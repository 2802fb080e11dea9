package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"rammingen-go/internal/proto"
)

// stream performs a streaming POST and feeds every decoded chunk to handle
// until the terminator frame. The whole stream is retried from scratch on
// transient failures, so handle must be idempotent per chunk (the sync
// engine's index writes are).
func stream[Req any](ctx context.Context, c *Client, op string, req *Req, handle func(proto.StreamChunk) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

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

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			statusErr := classifyStatus(httpResp.StatusCode, respBody)
			if !isRetryable(statusErr) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		for {
			frame, err := proto.ReadFrame(httpResp.Body)
			if err != nil {
				return &RequestError{Kind: KindNetwork, Err: fmt.Errorf("reading stream: %w", err)}
			}
			if frame == nil {
				return nil
			}
			var chunk proto.StreamChunk
			if err := json.Unmarshal(frame, &chunk); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding stream chunk: %w", err))
			}
			if chunk.Error != "" {
				return backoff.Permanent(&RequestError{
					Kind: KindApplication,
					Err:  fmt.Errorf("server error: %s", chunk.Error),
				})
			}
			if err := handle(chunk); err != nil {
				return backoff.Permanent(err)
			}
		}
	}

	return backoff.Retry(operation, c.newBackoff(ctx))
}

// GetEntries streams entries with update_number > after, in order, as
// batches.
func (c *Client) GetEntries(ctx context.Context, after proto.UpdateNumber, fn func([]proto.Entry) error) error {
	return stream(ctx, c, proto.OpGetEntries, &proto.GetEntriesRequest{AfterUpdateNumber: after}, func(chunk proto.StreamChunk) error {
		if len(chunk.Entries) == 0 {
			return nil
		}
		return fn(chunk.Entries)
	})
}

// GetChildren lists the direct children of a path.
func (c *Client) GetChildren(ctx context.Context, path proto.EncryptedArchivePath) ([]proto.Entry, error) {
	var out []proto.Entry
	err := stream(ctx, c, proto.OpGetChildren, &proto.GetChildrenRequest{Path: path}, func(chunk proto.StreamChunk) error {
		out = append(out, chunk.Entries...)
		return nil
	})
	return out, err
}

// GetVersions returns the history of one path.
func (c *Client) GetVersions(ctx context.Context, path proto.EncryptedArchivePath) ([]proto.EntryVersion, error) {
	var out []proto.EntryVersion
	err := stream(ctx, c, proto.OpGetVersions, &proto.GetVersionsRequest{Path: path}, func(chunk proto.StreamChunk) error {
		out = append(out, chunk.Versions...)
		return nil
	})
	return out, err
}

// GetAllVersions returns the history under a subtree.
func (c *Client) GetAllVersions(ctx context.Context, path proto.EncryptedArchivePath, recursive bool) ([]proto.EntryVersion, error) {
	var out []proto.EntryVersion
	err := stream(ctx, c, proto.OpGetAllVersions, &proto.GetAllVersionsRequest{Path: path, Recursive: recursive}, func(chunk proto.StreamChunk) error {
		out = append(out, chunk.Versions...)
		return nil
	})
	return out, err
}

// StateAt returns the recursive historic state of a subtree.
func (c *Client) StateAt(ctx context.Context, req *proto.StateAtRequest) ([]proto.EntryVersion, error) {
	var out []proto.EntryVersion
	err := stream(ctx, c, proto.OpStateAt, req, func(chunk proto.StreamChunk) error {
		out = append(out, chunk.Versions...)
		return nil
	})
	return out, err
}
