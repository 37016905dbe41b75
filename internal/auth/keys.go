package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/aelexs/captionsync/internal/domain"
)

// KeyStore resolves the verification key for a parsed ID token.
type KeyStore interface {
	KeyfuncCtx(ctx context.Context) jwt.Keyfunc
}

// StaticKeyStore is a KeyStore backed by in-memory keys. It also holds the
// signing key, so the Minter can issue tokens it verifies.
type StaticKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	keyID      string
	publicKeys map[string]*rsa.PublicKey
}

// NewStaticKeyStore creates a StaticKeyStore with a single key pair.
func NewStaticKeyStore(privateKey *rsa.PrivateKey, keyID string) *StaticKeyStore {
	return &StaticKeyStore{
		privateKey: privateKey,
		keyID:      keyID,
		publicKeys: map[string]*rsa.PublicKey{
			keyID: &privateKey.PublicKey,
		},
	}
}

// SigningKey returns the private signing key and its key ID.
func (s *StaticKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, "", errors.New("no signing key available")
	}
	return s.privateKey, s.keyID, nil
}

// PublicKey returns the public key for the given key ID.
func (s *StaticKeyStore) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// KeyfuncCtx looks the token's kid up in the in-memory keys.
func (s *StaticKeyStore) KeyfuncCtx(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return s.PublicKey(ctx, kid)
	}
}

// AddPublicKey registers another verification key (key rotation).
func (s *StaticKeyStore) AddPublicKey(kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[kid] = key
}

// Key set refresh bounds.
const (
	jwksMaxAge         = 1 * time.Hour          // The key set is refetched on this interval
	jwksMinRefetchWait = 1 * time.Minute        // An unknown kid triggers at most one fetch per this window
	jwksRefetchBudget  = 5 * time.Second        // Bounds an unknown-kid refetch, limiter wait included
	jwksHTTPTimeout    = 10 * time.Second
)

// JWKSKeyStore verifies against the auth backend's published JSON Web Key
// Set. Keys are refreshed in the background until the constructor's ctx is
// cancelled. An unknown kid forces a rate-limited refetch, so a stream of
// forged tokens cannot hammer the key endpoint.
type JWKSKeyStore struct {
	kf keyfunc.Keyfunc
}

var _ KeyStore = (*JWKSKeyStore)(nil)

// NewJWKSKeyStore creates a key store reading from jwksURL. A nil client
// means http.DefaultClient. A failed first fetch is not an error; the set is
// retried on the next unknown kid.
func NewJWKSKeyStore(ctx context.Context, jwksURL string, client *http.Client, logger *slog.Logger) (*JWKSKeyStore, error) {
	kf, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURL}, keyfunc.Override{
		Client:            client,
		HTTPTimeout:       jwksHTTPTimeout,
		RefreshInterval:   jwksMaxAge,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(jwksMinRefetchWait), 1),
		RateLimitWaitMax:  jwksRefetchBudget,
		RefreshErrorHandlerFunc: func(u string) func(context.Context, error) {
			return func(ctx context.Context, err error) {
				logger.WarnContext(ctx, "jwks.refresh_failed",
					slog.String("url", u),
					slog.String("error", err.Error()),
				)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks key store: %w", err)
	}
	return &JWKSKeyStore{kf: kf}, nil
}

// KeyfuncCtx resolves the token's kid against the cached set. A miss while
// no key has ever been loaded means the endpoint is unreachable, which is
// reported as domain.ErrUnavailable rather than a bad token.
func (s *JWKSKeyStore) KeyfuncCtx(ctx context.Context) jwt.Keyfunc {
	resolve := s.kf.KeyfuncCtx(ctx)
	return func(token *jwt.Token) (any, error) {
		key, err := resolve(token)
		if err == nil {
			return key, nil
		}
		if keys, readErr := s.kf.Storage().KeyReadAll(ctx); readErr != nil || len(keys) == 0 {
			return nil, fmt.Errorf("%w: no verification keys loaded: %w", domain.ErrUnavailable, err)
		}
		return nil, err
	}
}
