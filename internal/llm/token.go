package llm

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ricmars/visualization-sub001/internal/config"
)

// tokenExpiryDelta refreshes tokens this long before they expire.
const tokenExpiryDelta = time.Minute

// TokenCache hands out provider access tokens obtained with the
// client-credentials grant and reuses each one until shortly before it
// expires. It is safe for concurrent use and shared by every request of
// the process.
type TokenCache struct {
	src oauth2.TokenSource
}

// NewTokenCache returns a TokenCache for the token endpoint in cfg.
func NewTokenCache(ctx context.Context, cfg config.LLM) *TokenCache {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &TokenCache{src: oauth2.ReuseTokenSourceWithExpiry(nil, fetcher{ctx: ctx, cc: &cc}, tokenExpiryDelta)}
}

// fetcher requests a new token on every call; caching is left to the
// enclosing reuse source so its expiry window applies.
type fetcher struct {
	ctx context.Context
	cc  *clientcredentials.Config
}

func (f fetcher) Token() (*oauth2.Token, error) {
	return f.cc.Token(f.ctx)
}

// Token implements oauth2.TokenSource.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	return c.src.Token()
}

// bearer returns the current access token of src.
func bearer(src oauth2.TokenSource) (string, error) {
	tok, err := src.Token()
	if err != nil {
		return "", &TransientError{Err: err}
	}
	return tok.AccessToken, nil
}
