package llm

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/ricmars/visualization-sub001/internal/config"
)

// New builds the provider selected by cfg.Provider. A configured token
// endpoint replaces the static API key with a shared TokenCache.
func New(cfg config.LLM, log Logger) (Provider, error) {
	var tokens oauth2.TokenSource
	if cfg.TokenURL != "" {
		tokens = NewTokenCache(context.Background(), cfg)
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, tokens, log), nil
	case "anthropic":
		return NewAnthropic(cfg, tokens, log), nil
	case "compat":
		return NewCompat(cfg, tokens, log), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
