// Package llm wraps the completion services that generate AI role replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rcliao/storyloom/internal/errs"
)

// Role tags a message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is an ordered prompt plus sampling settings.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completer generates text for a prompt. Unreachable services and server
// side failures are reported as errs.Transient.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderNone      = "none"

	DefaultOpenAIBaseURL  = "https://api.deepseek.com/v1"
	DefaultOpenAIModel    = "deepseek-chat"
	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
)

// Config selects and configures a completion provider.
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	MaxRetries int
}

// New builds the configured Completer.
func New(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderNone:
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// Unavailable is the Completer used when no provider is configured. Every
// call fails, so AI messages end in the error state.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, CompletionRequest) (string, error) {
	return "", errors.New("no completion provider configured")
}

// classify marks transport failures, timeouts, rate limits and 5xx
// responses as transient.
func classify(err error, status int) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case status == 429 || status >= 500:
		return errs.Transient(err)
	case status == 0 && (errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)):
		return errs.Transient(err)
	}
	return err
}
