package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"DualChat/internal/conversation"
)

// Responder produces an assistant reply as a sequence of text deltas
type Responder interface {
	Stream(ctx context.Context, system string, history []conversation.Turn, emit func(delta string) error) error
}

// Echo answers with a markdown quote of the last user message, one word at a time
type Echo struct {
	Delay time.Duration
}

// Stream implements Responder
func (e Echo) Stream(ctx context.Context, _ string, history []conversation.Turn, emit func(delta string) error) error {
	var prompt string
	turns := 0
	for _, turn := range history {
		if turn.Role == conversation.RoleUser {
			prompt = turn.Content
			turns++
		}
	}

	reply := fmt.Sprintf("**Echo #%d**\n\n> %s", turns, strings.ReplaceAll(prompt, "\n", "\n> "))
	for _, word := range strings.SplitAfter(reply, " ") {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}
