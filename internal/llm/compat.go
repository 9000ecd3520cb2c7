package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"

	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/extract"
)

// Compat talks to OpenAI-compatible endpoints that have no native tool
// calling. Tools are described in the system prompt and the model writes
// calls into its text.
type Compat struct {
	client      *goopenai.Client
	model       string
	maxTokens   int
	temperature float32
	log         Logger
}

// NewCompat creates a text-convention provider. When tokens is non-nil the
// HTTP client attaches its access token to every request.
func NewCompat(cfg config.LLM, tokens oauth2.TokenSource, log Logger) *Compat {
	cc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	if tokens != nil {
		cc.HTTPClient = oauth2.NewClient(context.Background(), tokens)
	}
	return &Compat{
		client:      goopenai.NewClientWithConfig(cc),
		model:       cfg.Model,
		maxTokens:   int(cfg.MaxTokens),
		temperature: float32(cfg.Temperature),
		log:         log,
	}
}

func (p *Compat) Family() Family { return FamilyText }

func (p *Compat) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    compatMessages(req.Messages, req.Tools),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, compatError(err)
	}

	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, ch, Delta{Err: compatError(err)})
				return
			}
			for _, choice := range resp.Choices {
				d := Delta{Content: choice.Delta.Content}
				if choice.FinishReason != "" {
					d.FinishReason = openAIFinish(string(choice.FinishReason))
				}
				if d.Content == "" && d.FinishReason == "" {
					continue
				}
				if !send(ctx, ch, d) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func compatError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return classify(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return classify(reqErr.HTTPStatusCode, err)
	}
	return classify(0, err)
}

// compatMessages flattens the history into plain chat roles. Tool calls are
// rendered in the text convention and tool results become user messages.
func compatMessages(msgs []Message, tools []ToolSpec) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs)+1)
	docs := ToolInstructions(tools)
	systemSeen := false
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			content := m.Content
			if !systemSeen && docs != "" {
				content += "\n\n" + docs
			}
			systemSeen = true
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: content})
		case RoleAssistant:
			var b strings.Builder
			b.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "%s %s PARAMS: %s", extract.Marker, tc.Name, tc.Arguments)
			}
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: b.String()})
		case RoleTool:
			label := "Result"
			if m.IsError {
				label = "Error"
			}
			out = append(out, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: fmt.Sprintf("%s of %s (%s):\n%s", label, m.ToolName, m.ToolCallID, m.Content),
			})
		default:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	if !systemSeen && docs != "" {
		out = append([]goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleSystem, Content: docs}}, out...)
	}
	return out
}

// ToolInstructions documents tools and the call convention for models that
// write tool calls as text.
func ToolInstructions(tools []ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("To call a tool, write a line of the form\n")
	fmt.Fprintf(&b, "%s toolName PARAMS: {\"param\": \"value\"}\n", extract.Marker)
	b.WriteString("with the parameters as one JSON object. You may call several tools in one answer. ")
	b.WriteString("Results arrive in the next message.\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n## %s\n%s\nParameters schema: %s\n", t.Name, t.Description, t.Parameters)
	}
	return b.String()
}
