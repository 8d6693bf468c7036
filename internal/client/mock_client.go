package client

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoCompleter is the fallback when no provider is configured.
// It answers deterministically after Delay.
type EchoCompleter struct {
	Delay time.Duration
}

func (c *EchoCompleter) Name() string { return "mock" }

func (c *EchoCompleter) IsConfigured() bool { return true }

func (c *EchoCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if c.Delay > 0 {
		t := time.NewTimer(c.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	prompt := strings.TrimSpace(req.Prompt)
	if r := []rune(prompt); len(r) > 200 {
		prompt = string(r[:200]) + "..."
	}
	return &Completion{
		Text:     fmt.Sprintf("[mock] received %d characters: %s", len(req.Prompt), prompt),
		Model:    "mock",
		Provider: c.Name(),
	}, nil
}
