// Package line delivers push messages through the LINE Messaging API.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the LINE Messaging API endpoint.
const DefaultBaseURL = "https://api.line.me"

// maxTextLen is the LINE limit for a single text message.
const maxTextLen = 5000

// ErrNoRecipient is returned when the destination user id is empty.
var ErrNoRecipient = errors.New("line: no recipient user id")

// Client pushes text messages to LINE users.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client authenticating with the channel access token.
// An empty baseURL uses DefaultBaseURL.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type pushResponse struct {
	SentMessages []struct {
		ID         string `json:"id"`
		QuoteToken string `json:"quoteToken"`
	} `json:"sentMessages"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Push sends text to the user and returns the LINE message id.
func (c *Client) Push(ctx context.Context, to, text string) (string, error) {
	if to == "" {
		return "", ErrNoRecipient
	}
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	body, err := json.Marshal(pushRequest{To: to, Messages: []textMessage{{Type: "text", Text: text}}})
	if err != nil {
		return "", fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("line push: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read push response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		_ = json.Unmarshal(data, &er)
		if er.Message == "" {
			er.Message = strings.TrimSpace(string(data))
		}
		return "", fmt.Errorf("line push: status %d: %s", resp.StatusCode, er.Message)
	}

	var pr pushResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return "", fmt.Errorf("decode push response: %w", err)
	}
	if len(pr.SentMessages) == 0 {
		return "", nil
	}
	return pr.SentMessages[0].ID, nil
}

// Disabled is a messenger used when LINE delivery is switched off.
type Disabled struct{}

// Push always fails; the notification is persisted undelivered.
func (Disabled) Push(context.Context, string, string) (string, error) {
	return "", errors.New("line delivery disabled")
}
