// Package messaging sends clarification questions to users over an external
// chat bridge and describes the replies that come back.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender delivers a question to an owner and returns the outbound message id
// replies will reference.
type Sender interface {
	SendQuestion(ctx context.Context, owner, text string) (string, error)
}

// InboundMessage is a reply received from the chat bridge.
type InboundMessage struct {
	Text    string `json:"text" validate:"required,max=4000"`
	ReplyTo string `json:"replyTo,omitempty"`
	Sender  string `json:"sender" validate:"required"`
}

// HTTPSender posts questions to a bridge endpoint as JSON.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSender returns a sender for url. Timeout bounds every request.
func NewHTTPSender(url, token string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// SendQuestion posts {owner, text} and expects {"messageId": "..."} back.
func (s *HTTPSender) SendQuestion(ctx context.Context, owner, text string) (string, error) {
	body, err := json.Marshal(sendRequest{Owner: owner, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send question: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("send question failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("bridge returned no message id")
	}
	return out.MessageID, nil
}

// LogSender logs questions instead of sending them. Used when no bridge is
// configured; replies can still be posted with the returned id.
type LogSender struct{}

// SendQuestion logs the question and returns a fresh message id.
func (LogSender) SendQuestion(_ context.Context, owner, text string) (string, error) {
	id := "m-" + uuid.New().String()
	slog.Info("clarification question", "owner", owner, "message_id", id, "text", text)
	return id, nil
}
