package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/captionsync/internal/domain"
)

// Validator verifies session ID tokens handed over by a surface on sign-in
// and returned by the backend after a refresh.
type Validator struct {
	keyStore KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// ValidatorConfig holds configuration for creating a Validator.
type ValidatorConfig struct {
	KeyStore KeyStore
	// ProjectID is the token audience; the issuer is derived from it.
	ProjectID string
	Clock     domain.Clock
}

// NewValidator creates a new ID-token validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		keyStore: cfg.KeyStore,
		issuer:   IssuerFor(cfg.ProjectID),
		audience: cfg.ProjectID,
		clock:    cfg.Clock,
	}
}

// Validate parses and fully validates an ID token. An expired token maps to
// domain.ErrTokenExpired and every other rejection to domain.ErrUnauthenticated,
// so callers classify the result with domain.IsAuthError.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*IDTokenClaims, error) {
	var claims IDTokenClaims

	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}

	resolve := v.keyStore.KeyfuncCtx(ctx)
	keyFunc := func(token *jwt.Token) (any, error) {
		if kid, ok := token.Header["kid"].(string); !ok || kid == "" {
			return nil, errors.New("missing or invalid kid in token header")
		}
		return resolve(token)
	}

	if _, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTokenExpired, err)
		}
		if domain.IsNetworkError(err) {
			// Key fetch failed; the token itself was never judged.
			return nil, fmt.Errorf("verify id token: %w", err)
		}
		return nil, fmt.Errorf("%w: invalid id token: %w", domain.ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub claim: %w", domain.ErrUnauthenticated)
	}

	return &claims, nil
}
