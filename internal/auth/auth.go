// Package auth authenticates API callers against an OpenID Connect provider
// and records who they are in the request context.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"github.com/ricmars/visualization-sub001/internal/config"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// String returns the most readable identifier of p.
func (p Principal) String() string {
	if p.Email != "" {
		return p.Email
	}
	return p.Subject
}

// DevPrincipal is attached to every request when authentication is disabled.
var DevPrincipal = Principal{Subject: "dev", Email: "dev@localhost", Name: "Developer"}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       Logger
	disabled     bool
}

// New creates a new Auth object using values from the application
// configuration. With auth.enable unset every request runs as DevPrincipal
// and no provider is contacted.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	if !cfg.Auth.Enable {
		logger.Info("authentication disabled, requests run as " + DevPrincipal.String())
		return &Auth{logger: logger, disabled: true}, nil
	}
	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	return &Auth{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       AllScopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID}),
		// access tokens carry the API audience, not the client id
		apiVerifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		logger:      logger,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.disabled {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.disabled {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logger.Error("token exchange failed", "error", err)
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that accepts a bearer access token or the
// id_token cookie set by the login flow. Browsers without a cookie are sent
// to the login page; API clients get 401.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), DevPrincipal)))
			return
		}

		var token *oidc.IDToken
		var err error
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		} else {
			cookie, cerr := r.Cookie("id_token")
			if cerr != nil {
				if strings.Contains(r.Header.Get("Accept"), "text/html") {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			token, err = a.verifier.Verify(r.Context(), cookie.Value)
		}
		if err != nil {
			a.logger.Debug("rejected token", "error", err)
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}

		var claims struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := token.Claims(&claims); err != nil {
			http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
			return
		}
		p := Principal{Subject: token.Subject, Email: claims.Email, Name: claims.Name}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
