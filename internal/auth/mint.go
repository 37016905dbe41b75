package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// Signer is the part of StaticKeyStore the Minter needs.
type Signer interface {
	SigningKey() (*rsa.PrivateKey, string, error)
}

// Minter issues RS256 ID tokens in the auth backend's format. The
// coordinator never mints tokens against the real backend; the Minter backs
// local development and the fakes that stand in for the backend in tests.
type Minter struct {
	signer    Signer
	ttl       time.Duration
	projectID string
	clock     domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	Signer    Signer
	TTL       time.Duration
	ProjectID string
	Clock     domain.Clock
}

// NewMinter creates a new ID-token minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		signer:    cfg.Signer,
		ttl:       cfg.TTL,
		projectID: cfg.ProjectID,
		clock:     cfg.Clock,
	}
}

// Mint signs an ID token for user.
func (m *Minter) Mint(user protocol.User) (string, error) {
	privateKey, keyID, err := m.signer.SigningKey()
	if err != nil {
		return "", fmt.Errorf("get signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UID,
			Issuer:    IssuerFor(m.projectID),
			Audience:  jwt.ClaimStrings{m.projectID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Email:    user.Email,
		Name:     user.DisplayName,
		Picture:  user.PhotoURL,
		AuthTime: now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}
