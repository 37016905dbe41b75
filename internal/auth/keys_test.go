package auth_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/captionsync/internal/auth"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/domain/domaintest"
)

func TestStaticKeyStore(t *testing.T) {
	key := generateTestKey(t)
	keyID := "test-key-001"
	store := auth.NewStaticKeyStore(key, keyID)
	ctx := context.Background()

	t.Run("SigningKey returns configured key and ID", func(t *testing.T) {
		pk, kid, err := store.SigningKey()
		require.NoError(t, err)
		assert.Equal(t, key, pk)
		assert.Equal(t, keyID, kid)
	})

	t.Run("PublicKey returns key for known kid", func(t *testing.T) {
		pk, err := store.PublicKey(ctx, keyID)
		require.NoError(t, err)
		assert.Equal(t, &key.PublicKey, pk)
	})

	t.Run("PublicKey returns error for unknown kid", func(t *testing.T) {
		_, err := store.PublicKey(ctx, "unknown-key")
		assert.Error(t, err)
	})

	t.Run("AddPublicKey adds additional keys", func(t *testing.T) {
		key2 := generateTestKey(t)
		store.AddPublicKey("key-002", &key2.PublicKey)

		pk, err := store.PublicKey(ctx, "key-002")
		require.NoError(t, err)
		assert.Equal(t, &key2.PublicKey, pk)
	})
}

func TestStaticKeyStore_NilKey(t *testing.T) {
	store := &auth.StaticKeyStore{}

	_, _, err := store.SigningKey()
	assert.Error(t, err)
}

// jwksServer publishes the given keys and counts fetches.
type jwksServer struct {
	*httptest.Server
	fetches atomic.Int32
	status  atomic.Int32
	keys    atomic.Pointer[map[string]*rsa.PublicKey]
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.status.Store(http.StatusOK)
	s.keys.Store(&keys)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		if code := int(s.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		type jwk struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		var set struct {
			Keys []jwk `json:"keys"`
		}
		for kid, pk := range *s.keys.Load() {
			set.Keys = append(set.Keys, jwk{
				Kid: kid,
				Kty: "RSA",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(pk.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pk.E)).Bytes()),
			})
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newJWKSStore builds a store against srv whose refresh goroutine stops
// when the test ends.
func newJWKSStore(t *testing.T, srv *jwksServer) *auth.JWKSKeyStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store, err := auth.NewJWKSKeyStore(ctx, srv.URL, srv.Client(), discardLogger())
	require.NoError(t, err)
	return store
}

func resolveKey(t *testing.T, store auth.KeyStore, kid string) (*rsa.PublicKey, error) {
	t.Helper()
	token := &jwt.Token{Header: map[string]any{"kid": kid, "alg": "RS256"}}
	key, err := store.KeyfuncCtx(context.Background())(token)
	if err != nil {
		return nil, err
	}
	pk, ok := key.(*rsa.PublicKey)
	require.True(t, ok, "expected an RSA public key, got %T", key)
	return pk, nil
}

func TestJWKSKeyStore(t *testing.T) {
	ctx := context.Background()
	key1 := generateTestKey(t)
	key2 := generateTestKey(t)

	t.Run("fetches once and serves from cache", func(t *testing.T) {
		srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key1.PublicKey})
		store := newJWKSStore(t, srv)

		for range 3 {
			pk, err := resolveKey(t, store, "k1")
			require.NoError(t, err)
			assert.Equal(t, key1.PublicKey.N, pk.N)
			assert.Equal(t, key1.PublicKey.E, pk.E)
		}
		assert.Equal(t, int32(1), srv.fetches.Load())
	})

	t.Run("unknown kid refetches at most once per window", func(t *testing.T) {
		srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key1.PublicKey})
		store := newJWKSStore(t, srv)

		// Rotation publishes k2.
		rotated := map[string]*rsa.PublicKey{"k1": &key1.PublicKey, "k2": &key2.PublicKey}
		srv.keys.Store(&rotated)

		pk, err := resolveKey(t, store, "k2")
		require.NoError(t, err)
		assert.Equal(t, key2.PublicKey.N, pk.N)
		assert.Equal(t, int32(2), srv.fetches.Load())

		_, err = resolveKey(t, store, "forged")
		require.Error(t, err)
		assert.False(t, domain.IsNetworkError(err))
		assert.Equal(t, int32(2), srv.fetches.Load(), "inside the refetch window the cached set is authoritative")
	})

	t.Run("cached keys survive a failing endpoint", func(t *testing.T) {
		srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key1.PublicKey})
		store := newJWKSStore(t, srv)
		srv.status.Store(http.StatusServiceUnavailable)

		_, err := resolveKey(t, store, "k2")
		require.Error(t, err)

		pk, err := resolveKey(t, store, "k1")
		require.NoError(t, err)
		assert.Equal(t, key1.PublicKey.N, pk.N)
	})

	t.Run("unreachable endpoint is a network error", func(t *testing.T) {
		srv := newJWKSServer(t, nil)
		srv.status.Store(http.StatusServiceUnavailable)
		store := newJWKSStore(t, srv)

		_, err := resolveKey(t, store, "k1")
		require.Error(t, err)
		assert.True(t, domain.IsNetworkError(err))
	})

	t.Run("validator verifies tokens against the fetched set", func(t *testing.T) {
		srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key1.PublicKey})
		clock := domaintest.NewFakeClock(testStart)

		minter := auth.NewMinter(auth.MinterConfig{
			Signer:    auth.NewStaticKeyStore(key1, "k1"),
			TTL:       time.Hour,
			ProjectID: testProject,
			Clock:     clock,
		})
		validator := auth.NewValidator(auth.ValidatorConfig{
			KeyStore:  newJWKSStore(t, srv),
			ProjectID: testProject,
			Clock:     clock,
		})

		token, err := minter.Mint(testUser())
		require.NoError(t, err)
		claims, err := validator.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user_123", claims.Subject)
	})
}
