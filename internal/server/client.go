package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/fedctl/internal/console"
)

// Client talks to a ConsoleServer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a console client for baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Exec runs one command line on the server.
func (c *Client) Exec(ctx context.Context, line string) (console.Response, error) {
	var resp console.Response
	body, err := json.Marshal(CommandRequest{Command: line})
	if err != nil {
		return resp, err
	}
	err = c.do(ctx, http.MethodPost, "/console/command", body, &resp)
	return resp, err
}

// Commands lists the visible commands.
func (c *Client) Commands(ctx context.Context) ([]CommandInfo, error) {
	var out []CommandInfo
	err := c.do(ctx, http.MethodGet, "/console/commands", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("console request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var e ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("console: %s (status %d)", e.Error, res.StatusCode)
		}
		return fmt.Errorf("console: status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode console response: %w", err)
	}
	return nil
}
