// Package llm defines the provider collaborator of the agent loop and its
// implementations for the OpenAI, Anthropic and OpenAI-compatible APIs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ricmars/visualization-sub001/internal/extract"
)

// Family is the output protocol a provider uses for tool calls.
type Family int

const (
	// FamilyText providers write calls into prose using the TOOL:/PARAMS:
	// convention.
	FamilyText Family = iota
	// FamilyStructured providers stream index-keyed call fragments.
	FamilyStructured
)

func (f Family) String() string {
	if f == FamilyText {
		return "text"
	}
	return "structured"
}

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Finish reasons, normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolCall is a call issued by the model in an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	// ToolName is the tool a tool message answers.
	ToolName string `json:"toolName,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
	// Note marks user messages written by the controller itself, such as
	// retries and nudges.
	Note bool `json:"-"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one model call.
type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

// Delta is one streamed event. A delta carrying Err is the last one.
type Delta struct {
	Content      string
	ToolCalls    []extract.Fragment
	FinishReason string
	Err          error
}

// Provider streams model output.
type Provider interface {
	Family() Family
	// Stream starts a model call. The returned channel is closed when the
	// response ends, the call fails or ctx is done.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Logger is the logging surface used by the providers.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// TransientError is a provider failure worth retrying: rate limiting,
// server errors and network failures.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify wraps err in a TransientError when status marks it retryable.
func classify(status int, err error) error {
	if status == 429 || status >= 500 {
		return &TransientError{Status: status, Err: err}
	}
	if status == 0 {
		var ne net.Error
		if errors.As(err, &ne) {
			return &TransientError{Err: err}
		}
	}
	return err
}

// send delivers d unless ctx is done first.
func send(ctx context.Context, ch chan<- Delta, d Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
