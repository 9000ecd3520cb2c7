package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/oauth2"

	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/extract"
)

// OpenAI streams chat completions with native tool calling.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
	tokens      oauth2.TokenSource
	log         Logger
}

// NewOpenAI creates an OpenAI provider. When tokens is non-nil each request
// authenticates with its current access token instead of the API key.
func NewOpenAI(cfg config.LLM, tokens oauth2.TokenSource, log Logger) *OpenAI {
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
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		tokens:      tokens,
		log:         log,
	}
}

func (p *OpenAI) Family() Family { return FamilyStructured }

func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    openAIMessages(req.Messages),
		Temperature: openai.Float(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}
	if len(req.Tools) > 0 {
		params.Tools = openAITools(req.Tools)
	}

	var opts []option.RequestOption
	if p.tokens != nil {
		tok, err := bearer(p.tokens)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithAPIKey(tok))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				d := Delta{Content: choice.Delta.Content}
				for _, tc := range choice.Delta.ToolCalls {
					d.ToolCalls = append(d.ToolCalls, extract.Fragment{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				if choice.FinishReason != "" {
					d.FinishReason = openAIFinish(choice.FinishReason)
				}
				if d.Content == "" && len(d.ToolCalls) == 0 && d.FinishReason == "" {
					continue
				}
				if !send(ctx, ch, d) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, Delta{Err: openAIError(err)})
		}
	}()
	return ch, nil
}

func openAIFinish(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classify(apiErr.StatusCode, err)
	}
	return classify(0, err)
}

func openAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func openAITools(tools []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params shared.FunctionParameters
		_ = json.Unmarshal(t.Parameters, &params)
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return out
}
