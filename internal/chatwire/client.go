// Package chatwire implements the client side of the chat platform's HTTP
// long-poll protocol.
package chatwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Message is one chat message as delivered by the platform.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	FromMe    bool      `json:"from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// Client talks to one chat deployment. Methods are safe for concurrent use;
// the platform serializes edits per message id on its side.
type Client struct {
	baseURL string
	token   string
	botName string
	http    *http.Client
}

// New builds a client. pollWait bounds the server-side hold time and sizes
// the HTTP timeout so a quiet long poll does not surface as an error.
func New(baseURL, token, botName string, pollWait time.Duration) *Client {
	if pollWait <= 0 {
		pollWait = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		botName: botName,
		http:    &http.Client{Timeout: pollWait + 15*time.Second},
	}
}

// BotName returns the mention this deployment's bot answers to.
func (c *Client) BotName() string { return c.botName }

// Poll long-polls for messages after sinceID on the channel. The server
// holds the request up to wait and returns oldest-first; an empty slice
// after the hold is the quiet-channel case, not an error.
func (c *Client) Poll(ctx context.Context, channel, sinceID string, wait time.Duration) ([]Message, error) {
	q := url.Values{}
	if sinceID != "" {
		q.Set("since", sinceID)
	}
	q.Set("wait_seconds", strconv.Itoa(int(wait.Seconds())))
	endpoint := fmt.Sprintf("%s/channels/%s/messages?%s", c.baseURL, url.PathEscape(channel), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("poll", resp)
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return out.Messages, nil
}

// Post sends a new message and returns the platform-assigned message id.
func (c *Client) Post(ctx context.Context, channel, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("marshal post body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to %s: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError("post", resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode post response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("post to %s: response missing message id", channel)
	}
	return out.ID, nil
}

// Edit replaces the text of a previously posted message in place.
func (c *Client) Edit(ctx context.Context, channel, messageID, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal edit body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/channels/%s/messages/%s", c.baseURL, url.PathEscape(channel), url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("edit %s/%s: %w", channel, messageID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError("edit", resp)
	}
	return nil
}

// DisplayName resolves a participant's display name, or "" when unknown.
func (c *Client) DisplayName(ctx context.Context, participant string) (string, error) {
	endpoint := fmt.Sprintf("%s/participants/%s", c.baseURL, url.PathEscape(participant))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build participant request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup participant %s: %w", participant, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError("participant", resp)
	}

	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode participant response: %w", err)
	}
	return out.DisplayName, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func httpError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, bytes.TrimSpace(snippet))
}
