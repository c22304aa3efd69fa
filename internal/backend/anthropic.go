package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"DualChat/internal/conversation"
)

// AnthropicVersion is sent as the anthropic-version header
const AnthropicVersion = "2023-06-01"

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicStreamEvent is the data payload of one server-sent event
type AnthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Anthropic streams replies from the Anthropic messages API
type Anthropic struct {
	baseURL    string
	model      string
	apiKey     string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic responder
func NewAnthropic(baseURL, model, apiKey string, client *http.Client) *Anthropic {
	if client == nil {
		client = &http.Client{}
	}
	return &Anthropic{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		maxTokens:  1024,
		httpClient: client,
	}
}

// Stream implements Responder
func (a *Anthropic) Stream(ctx context.Context, system string, history []conversation.Turn, emit func(delta string) error) error {
	reqMessages := make([]AnthropicMessage, len(history))
	for i, turn := range history {
		reqMessages[i] = AnthropicMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}

	jsonData, err := json.Marshal(AnthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    system,
		Messages:  reqMessages,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", AnthropicVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		// "event:" lines repeat the type carried in the data payload.
		data, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}
		var event AnthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" {
				continue
			}
			if err := emit(event.Delta.Text); err != nil {
				return err
			}
		case "error":
			return fmt.Errorf("API error: %s - %s", event.Error.Type, event.Error.Message)
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}
