package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to the upstream over HTTP. Chat streams arrive as
// newline-delimited JSON chunks; approval calls are plain request/response.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the given base URL. The auth token may
// be empty for unauthenticated deployments.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: chat streams are long-lived and bounded by ctx.
		http:  &http.Client{},
		token: token,
	}
}

// StreamChat opens a streaming chat run.
func (c *HTTPClient) StreamChat(ctx context.Context, req ChatRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat stream rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large deltas (thinking dumps)

	return &httpStream{body: resp.Body, scanner: scanner}, nil
}

type httpStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

// Recv returns the next chunk, io.EOF at clean end of stream.
func (s *httpStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, ErrStreamClosed
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := ParseChunk(line)
		if err != nil {
			// One bad frame should not kill the run; log and keep reading.
			slog.Warn("brain: dropping malformed chunk", "error", err)
			continue
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read chat stream: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *httpStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// ApproveAction resolves an approval checkpoint upstream.
func (c *HTTPClient) ApproveAction(ctx context.Context, approvalID, userID string, approved bool) (ApprovalResult, error) {
	payload := map[string]any{
		"approval_id": approvalID,
		"user_id":     userID,
		"approved":    approved,
	}

	var result ApprovalResult
	if err := c.postJSON(ctx, "/v1/approvals/resolve", payload, &result); err != nil {
		return ApprovalResult{}, err
	}
	return result, nil
}

// ListPendingApprovals lists approvals awaiting the given user.
func (c *HTTPClient) ListPendingApprovals(ctx context.Context, userID, workspaceID string) ([]PendingApproval, error) {
	payload := map[string]any{
		"user_id":      userID,
		"workspace_id": workspaceID,
	}

	var result struct {
		Approvals []PendingApproval `json:"approvals"`
	}
	if err := c.postJSON(ctx, "/v1/approvals/pending", payload, &result); err != nil {
		return nil, err
	}
	return result.Approvals, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
