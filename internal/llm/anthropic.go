package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/oauth2"

	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/extract"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic streams messages with native tool use.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	tokens      oauth2.TokenSource
	log         Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg config.LLM, tokens oauth2.TokenSource, log Logger) *Anthropic {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		tokens:      tokens,
		log:         log,
	}
}

func (p *Anthropic) Family() Family { return FamilyStructured }

func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	msgs, system := anthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(p.temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	var opts []option.RequestOption
	if p.tokens != nil {
		tok, err := bearer(p.tokens)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithHeader("Authorization", "Bearer "+tok))
	}

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)
	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			var d Delta
			switch event.Type {
			case "content_block_start":
				start := event.AsContentBlockStart()
				if start.ContentBlock.Type != "tool_use" {
					continue
				}
				d.ToolCalls = []extract.Fragment{{
					Index: int(start.Index),
					ID:    start.ContentBlock.ID,
					Name:  start.ContentBlock.Name,
				}}
			case "content_block_delta":
				delta := event.AsContentBlockDelta()
				switch delta.Delta.Type {
				case "text_delta":
					d.Content = delta.Delta.Text
				case "input_json_delta":
					d.ToolCalls = []extract.Fragment{{Index: int(delta.Index), Arguments: delta.Delta.PartialJSON}}
				default:
					continue
				}
			case "message_delta":
				reason := event.AsMessageDelta().Delta.StopReason
				if reason == "" {
					continue
				}
				d.FinishReason = anthropicFinish(string(reason))
			default:
				continue
			}
			if !send(ctx, ch, d) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, Delta{Err: anthropicError(err)})
		}
	}()
	return ch, nil
}

func anthropicFinish(reason string) string {
	switch reason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classify(apiErr.StatusCode, err)
	}
	return classify(0, err)
}

// anthropicMessages converts the history. System messages move to the
// system prompt and consecutive tool results are sent as one user message.
func anthropicMessages(msgs []Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var out []anthropic.MessageParam
	var system []anthropic.TextBlockParam
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleUser, Content: results})
			results = nil
		}
	}
	for _, m := range msgs {
		if m.Role == RoleTool {
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
			continue
		}
		flush()
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks})
			}
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return out, system
}

func anthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		_ = json.Unmarshal(t.Parameters, &schema)
		out[i] = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}}
	}
	return out
}
