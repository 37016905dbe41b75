package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/captionsync/internal/auth"
	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// Compile-time check: TokenBackend satisfies app.AuthBackend.
var _ app.AuthBackend = (*TokenBackend)(nil)

// rejectedCredential lists the error codes the token endpoints return when
// the session itself is dead rather than the request malformed.
var rejectedCredential = []string{
	"TOKEN_EXPIRED",
	"INVALID_REFRESH_TOKEN",
	"INVALID_ID_TOKEN",
	"USER_DISABLED",
	"USER_NOT_FOUND",
	"INVALID_GRANT_TYPE",
}

// TokenBackendConfig holds configuration for creating a TokenBackend.
type TokenBackendConfig struct {
	TokenURL  string
	LookupURL string
	APIKey    domain.SecretString
	Validator *auth.Validator
	Client    *http.Client
	Logger    *slog.Logger
}

// TokenBackend holds the signed-in session and talks to the auth backend's
// token and account endpoints.
type TokenBackend struct {
	tokenURL  string
	lookupURL string
	apiKey    domain.SecretString
	validator *auth.Validator
	client    *http.Client
	logger    *slog.Logger

	mu           sync.RWMutex
	idToken      domain.SecretString
	refreshToken domain.SecretString
	user         *protocol.User
}

// NewTokenBackend creates a TokenBackend with no session.
func NewTokenBackend(cfg TokenBackendConfig) *TokenBackend {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenBackend{
		tokenURL:  cfg.TokenURL,
		lookupURL: cfg.LookupURL,
		apiKey:    cfg.APIKey,
		validator: cfg.Validator,
		client:    client,
		logger:    cfg.Logger,
	}
}

// SignIn verifies idToken and adopts it together with refreshToken.
func (b *TokenBackend) SignIn(ctx context.Context, idToken string, refreshToken domain.SecretString) (*protocol.User, error) {
	ctx, span := tracer.Start(ctx, "auth.sign_in")
	defer span.End()

	claims, err := b.validator.Validate(ctx, idToken)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	user := claims.User()

	b.mu.Lock()
	b.idToken = domain.SecretString(idToken)
	b.refreshToken = refreshToken
	b.user = user
	b.mu.Unlock()

	span.SetAttributes(attribute.Bool("auth.has_refresh_token", !refreshToken.IsEmpty()))
	return user, nil
}

// SignOut drops the session. The backend keeps no server-side session for
// ID tokens, so there is nothing to revoke remotely.
func (b *TokenBackend) SignOut(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idToken = ""
	b.refreshToken = ""
	b.user = nil
	return nil
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// ForceRefreshToken exchanges the refresh token for a new ID token.
func (b *TokenBackend) ForceRefreshToken(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "auth.refresh_token")
	defer span.End()

	b.mu.RLock()
	refresh := b.refreshToken
	b.mu.RUnlock()
	if refresh.IsEmpty() {
		return fmt.Errorf("refresh token: %w: no session", domain.ErrUnauthenticated)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh.Expose()},
	}
	var out tokenResponse
	if err := b.post(ctx, b.tokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &out); err != nil {
		failSpan(span, err)
		return fmt.Errorf("refresh token: %w", err)
	}

	claims, err := b.validator.Validate(ctx, out.IDToken)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("refresh token: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshToken != refresh {
		// A sign-out or new sign-in raced this refresh; keep the newer session.
		return nil
	}
	b.idToken = domain.SecretString(out.IDToken)
	if out.RefreshToken != "" {
		b.refreshToken = domain.SecretString(out.RefreshToken)
	}
	b.user = claims.User()
	return nil
}

type lookupResponse struct {
	Users []struct {
		LocalID     string `json:"localId"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	} `json:"users"`
}

// CurrentUser asks the backend whether the session's ID token still names
// a live account.
func (b *TokenBackend) CurrentUser(ctx context.Context) (*protocol.User, error) {
	ctx, span := tracer.Start(ctx, "auth.lookup")
	defer span.End()

	b.mu.RLock()
	idToken := b.idToken
	b.mu.RUnlock()
	if idToken.IsEmpty() {
		return nil, fmt.Errorf("lookup: %w: no session", domain.ErrUnauthenticated)
	}

	body, err := json.Marshal(map[string]string{"idToken": idToken.Expose()})
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	var out lookupResponse
	if err := b.post(ctx, b.lookupURL, "application/json", bytes.NewReader(body), &out); err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("lookup: %w", err)
	}
	if len(out.Users) == 0 {
		return nil, fmt.Errorf("lookup: %w: account not found", domain.ErrUnauthenticated)
	}
	u := out.Users[0]
	return &protocol.User{UID: u.LocalID, Email: u.Email, DisplayName: u.DisplayName, PhotoURL: u.PhotoURL}, nil
}

func (b *TokenBackend) post(ctx context.Context, endpoint, contentType string, body io.Reader, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", b.apiKey.Expose())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := b.client.Do(req)
	if err != nil {
		// url.Error embeds the query string; report the host only.
		return fmt.Errorf("%w: post %s: %w", domain.ErrUnavailable, u.Host, unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrUnavailable, err)
	}
	if err := classifyTokenStatus(resp.StatusCode, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type backendError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyTokenStatus treats a 400 naming a dead credential as an auth
// failure; everything else follows the generic HTTP mapping.
func classifyTokenStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var be backendError
	_ = json.Unmarshal(body, &be)
	msg := be.Error.Message
	if status == http.StatusBadRequest {
		for _, code := range rejectedCredential {
			if strings.HasPrefix(msg, code) {
				return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, msg)
			}
		}
	}
	return errmap.FromHTTPStatus(status, msg)
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
