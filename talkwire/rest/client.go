// Package rest implements the request/response fallback channel: it carries
// sends, read receipts, stars and reactions when the live connection is
// unavailable, and refreshes the bearer token.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the chat HTTP API.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewClient creates a REST client. baseURL is the API root, e.g.
// "https://chat.example.com/api/v1". token supplies the current bearer
// token per request; it may be nil or return "" for unauthenticated calls.
func NewClient(baseURL string, token func() string) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SendMessage delivers a composed message over HTTP. The server echoes back
// its durable record so the caller can reconcile the local row.
func (c *Client) SendMessage(ctx context.Context, chatID string, req SendMessageRequest) (*MessageInfo, error) {
	var resp MessageInfo
	path := fmt.Sprintf("/chats/%s/messages", url.PathEscape(chatID))
	if err := c.post(ctx, path, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead acknowledges messages in a chat up to the given message id.
func (c *Client) MarkRead(ctx context.Context, chatID string, req MarkReadRequest) error {
	path := fmt.Sprintf("/chats/%s/read", url.PathEscape(chatID))
	return c.post(ctx, path, req, nil, true)
}

// Star marks a message as starred for the current user.
func (c *Client) Star(ctx context.Context, chatID, messageID string) error {
	path := fmt.Sprintf("/chats/%s/messages/%s/star", url.PathEscape(chatID), url.PathEscape(messageID))
	return c.post(ctx, path, nil, nil, true)
}

// Unstar removes the star from a message.
func (c *Client) Unstar(ctx context.Context, chatID, messageID string) error {
	path := fmt.Sprintf("/chats/%s/messages/%s/star", url.PathEscape(chatID), url.PathEscape(messageID))
	return c.del(ctx, path, true)
}

// React adds the current user's emoji reaction to a message.
func (c *Client) React(ctx context.Context, chatID, messageID string, req ReactRequest) error {
	path := fmt.Sprintf("/chats/%s/messages/%s/reactions", url.PathEscape(chatID), url.PathEscape(messageID))
	return c.post(ctx, path, req, nil, true)
}

// RemoveReaction removes the current user's reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, chatID, messageID string) error {
	path := fmt.Sprintf("/chats/%s/messages/%s/reactions", url.PathEscape(chatID), url.PathEscape(messageID))
	return c.del(ctx, path, true)
}

// DeleteMessage deletes a message, optionally for every participant.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string, forEveryone bool) error {
	path := fmt.Sprintf("/chats/%s/messages/%s?for_everyone=%t",
		url.PathEscape(chatID), url.PathEscape(messageID), forEveryone)
	return c.del(ctx, path, true)
}

// Refresh exchanges a refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	var resp TokenPair
	if err := c.post(ctx, "/auth/refresh", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Helper methods

func (c *Client) post(ctx context.Context, path string, body, dest any, requireAuth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, requireAuth)

	return c.do(req, dest)
}

func (c *Client) del(ctx context.Context, path string, requireAuth bool) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req, requireAuth)
	return c.do(req, nil)
}

func (c *Client) authorize(req *http.Request, requireAuth bool) {
	if !requireAuth {
		return
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("api error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("http error: %s (status %d)", string(body), resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
