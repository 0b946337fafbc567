package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions selects the model that answers. Zero fields are not sent and
// the backend picks its own defaults.
type ChatOptions struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Reply is a normalized chat answer. Exactly one of Content and Error is
// usually set.
type Reply struct {
	Content string
	Error   string
	Raw     map[string]any
}

// Chat sends the conversation and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Reply, error) {
	payload := struct {
		Messages []Message `json:"messages"`
		ChatOptions
	}{Messages: messages, ChatOptions: opts}

	var raw map[string]any
	if err := c.postJSON(ctx, "chat/", payload, generationTimeout, &raw); err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	reply := NormalizeReply(raw)
	return &reply, nil
}

// NormalizeReply extracts the answer from the shapes the backend has used:
// content is taken from response.content, then content, then text; the
// error from response.error, then error.
func NormalizeReply(raw map[string]any) Reply {
	reply := Reply{Raw: raw}
	nested, _ := raw["response"].(map[string]any)

	reply.Content = firstString(nested["content"], raw["content"], raw["text"])
	reply.Error = firstString(nested["error"], raw["error"])

	// some providers put the text straight into "response"
	if reply.Content == "" && reply.Error == "" {
		if s, ok := raw["response"].(string); ok {
			reply.Content = s
		}
	}
	return reply
}

func firstString(values ...any) string {
	for _, v := range values {
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return s
			}
		case nil:
		default:
			b, err := json.Marshal(s)
			if err == nil && string(b) != "null" {
				return string(b)
			}
		}
	}
	return ""
}

// HealthStatus is the body of health/.
type HealthStatus struct {
	Status string         `json:"status"`
	Extra  map[string]any `json:"-"`
}

// Health checks the backend. It never sends credentials and is the only
// call retried on network errors and 5xx.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	r := newRequest(http.MethodGet, "health/", profileTimeout)
	r.bare = true
	r.probe = true

	res, err := c.send(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	var raw map[string]any
	if err := decode(res, &raw); err != nil {
		return nil, err
	}
	status := &HealthStatus{Extra: raw}
	if s, ok := raw["status"].(string); ok {
		status.Status = s
	}
	return status, nil
}
