package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/captionsync/pkg/protocol"
)

// IDTokenClaims are the claims of a session ID token issued by the auth
// backend. The subject is the user ID.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
}

// User projects the claims onto the wire user shape.
func (c *IDTokenClaims) User() *protocol.User {
	return &protocol.User{
		UID:         c.Subject,
		Email:       c.Email,
		DisplayName: c.Name,
		PhotoURL:    c.Picture,
	}
}

// IssuerFor returns the issuer the auth backend stamps on tokens for projectID.
func IssuerFor(projectID string) string {
	return "https://securetoken.google.com/" + projectID
}
