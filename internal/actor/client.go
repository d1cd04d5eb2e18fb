package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 2 * time.Minute

// Client talks to the browser-automation backend over HTTP.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

var _ Actor = (*Client)(nil)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type postRequest struct {
	AccountID string `json:"account_id"`
	Text      string `json:"text"`
	TargetURL string `json:"target_url,omitempty"`
}

func (c *Client) PostContent(ctx context.Context, accountID, text string) (Result, error) {
	return c.do(ctx, "/v1/post", postRequest{AccountID: accountID, Text: text})
}

func (c *Client) PostReply(ctx context.Context, accountID, targetURL, text string) (Result, error) {
	return c.do(ctx, "/v1/reply", postRequest{AccountID: accountID, Text: text, TargetURL: targetURL})
}

func (c *Client) do(ctx context.Context, path string, body postRequest) (Result, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("actor %s: status %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("actor %s: decode response: %w", path, err)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
