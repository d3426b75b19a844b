package auth

import (
	"context"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// StaticToken serves a fixed bearer token, such as the document store's.
type StaticToken struct {
	Token string
}

// EnsureValid returns the fixed token.
func (s StaticToken) EnsureValid(context.Context) (ingestor.Credential, error) {
	return ingestor.Credential{Token: s.Token}, nil
}

// Invalidate is a no-op; a static token cannot be refreshed.
func (StaticToken) Invalidate() {}
