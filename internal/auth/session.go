// Package auth maintains bearer credentials for outbound calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// MinSafetyMargin is the smallest refresh margin a Session accepts.
const MinSafetyMargin = 300 * time.Second

// fallbackLifetime applies when the token endpoint omits expires_in.
const fallbackLifetime = time.Hour

// SessionConfig wires a Session for one channel.
type SessionConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserAgent    string
	SafetyMargin time.Duration
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *zap.Logger
}

// Session caches a client-credentials token and refreshes it shortly before
// expiry. A Session belongs to exactly one channel.
type Session struct {
	mu     sync.Mutex
	cred   *ingestor.Credential
	oauth  clientcredentials.Config
	client *http.Client
	margin time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewSession builds a Session. The client id and secret travel in HTTP basic auth.
func NewSession(cfg SessionConfig) *Session {
	margin := cfg.SafetyMargin
	if margin < MinSafetyMargin {
		margin = MinSafetyMargin
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	client := base
	if cfg.UserAgent != "" {
		clone := *base
		clone.Transport = userAgentTransport{agent: cfg.UserAgent, next: transportOrDefault(base.Transport)}
		client = &clone
	}
	return &Session{
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		client: client,
		margin: margin,
		now:    now,
		logger: logger,
	}
}

// EnsureValid returns the cached credential, exchanging for a new one when
// none is cached or the cached one expires within the safety margin.
func (s *Session) EnsureValid(ctx context.Context) (ingestor.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred != nil && s.now().Add(s.margin).Before(s.cred.ExpiresAt) {
		return *s.cred, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.Token(ctx)
	if err != nil {
		return ingestor.Credential{}, exchangeError(ctx, err)
	}
	if tok.AccessToken == "" {
		return ingestor.Credential{}, &executor.AuthError{Reason: "token endpoint returned no access token"}
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = s.now().Add(fallbackLifetime)
	}
	s.cred = &ingestor.Credential{Token: tok.AccessToken, ExpiresAt: expires}
	s.logger.Debug("credential refreshed", zap.Time("expires_at", expires))
	return *s.cred, nil
}

// Invalidate drops the cached credential so the next call refreshes.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
}

func exchangeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("token exchange: %w", ctxErr)
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		return &executor.AuthError{Status: retrieve.Response.StatusCode, Reason: "token exchange", Err: err}
	}
	return &executor.AuthError{Reason: "token exchange", Err: err}
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}

func transportOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
