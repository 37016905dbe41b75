package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

const authStateKey = "auth:state"

// signedOut is the snapshot broadcast whenever there is no session.
var signedOut = protocol.AuthState{IsAuthenticated: false, User: nil}

func (c *Coordinator) currentAuthState() protocol.AuthState {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authState
}

// AuthState returns the in-process auth snapshot.
func (c *Coordinator) AuthState(context.Context) (protocol.AuthState, error) {
	return c.currentAuthState(), nil
}

// SetAuthState replaces the snapshot and persists it to the cache. The
// in-process copy is updated even when the cache write fails.
func (c *Coordinator) SetAuthState(ctx context.Context, state protocol.AuthState) error {
	c.authMu.Lock()
	c.authState = state
	c.authMu.Unlock()

	if err := c.cache.Set(ctx, authStateKey, state); err != nil {
		c.logger.WarnContext(ctx, "coordinator.auth_state_persist_failed", "error", err)
		return fmt.Errorf("persist auth state: %w", err)
	}
	return nil
}

func (c *Coordinator) restoreAuthState(ctx context.Context) {
	var state protocol.AuthState
	found, err := c.cache.Get(ctx, authStateKey, &state)
	if err != nil {
		c.logger.WarnContext(ctx, "coordinator.auth_state_restore_failed", "error", err)
		return
	}
	if !found {
		return
	}
	c.authMu.Lock()
	c.authState = state
	c.authMu.Unlock()
	c.logger.InfoContext(ctx, "coordinator.auth_state_restored", "authenticated", state.IsAuthenticated)
}

// announceAuthState broadcasts the full snapshot to every surface.
func (c *Coordinator) announceAuthState(ctx context.Context, state protocol.AuthState) {
	msg := protocol.MustMessage(protocol.TypeAuthStateChanged, state)
	msg.Source = protocol.SourceBackground
	if err := c.broadcast(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "coordinator.auth_broadcast_failed", "error", err)
	}
}

// currentUser returns the signed-in user's ID, or ErrUnauthenticated.
func (c *Coordinator) currentUser() (domain.UserID, error) {
	state := c.currentAuthState()
	if !state.IsAuthenticated || state.User == nil {
		return domain.UserID{}, fmt.Errorf("%w: sign in required", domain.ErrUnauthenticated)
	}
	return domain.NewUserID(state.User.UID)
}

func (c *Coordinator) handleGetAuthState(context.Context, *router.Request) (any, error) {
	return c.currentAuthState(), nil
}

func (c *Coordinator) handleSignIn(ctx context.Context, req *router.Request) (any, error) {
	var in protocol.SignIn
	if err := req.Message.ParsePayload(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if in.IDToken == "" {
		return nil, fmt.Errorf("%w: idToken is required", domain.ErrInvalidInput)
	}

	var user *protocol.User
	err := c.call(ctx, "auth.sign_in", func(ctx context.Context) error {
		var signInErr error
		user, signInErr = c.auth.SignIn(ctx, in.IDToken, domain.SecretString(in.RefreshToken))
		return signInErr
	})
	if err != nil {
		return nil, err
	}
	if user == nil || user.UID == "" {
		return nil, fmt.Errorf("%w: sign-in returned no user", domain.ErrUnauthenticated)
	}

	state := protocol.AuthState{IsAuthenticated: true, User: user}
	// A cache failure leaves the session usable for this process lifetime.
	_ = c.SetAuthState(ctx, state)
	c.announceAuthState(ctx, state)
	c.logger.InfoContext(ctx, "coordinator.signed_in", "user_id", user.UID)
	return state, nil
}

func (c *Coordinator) handleSignOut(ctx context.Context, _ *router.Request) (any, error) {
	if err := c.call(ctx, "auth.sign_out", c.auth.SignOut); err != nil {
		// Local sign-out proceeds; the backend session expires on its own.
		c.logger.WarnContext(ctx, "coordinator.backend_sign_out_failed", "error", err)
	}
	_ = c.SetAuthState(ctx, signedOut)
	if err := c.cache.DeletePrefix(ctx, docsKeyPrefix); err != nil {
		c.logger.WarnContext(ctx, "coordinator.cache_clear_failed", "error", err)
	}
	c.announceAuthState(ctx, signedOut)
	c.logger.InfoContext(ctx, "coordinator.signed_out")
	return signedOut, nil
}

// handleAuthStateChanged treats a surface's report as a prompt to check
// the backend session. Only the verified result is adopted and relayed to
// every other surface as AUTH_STATE_UPDATED. A report that itself arrived
// by broadcast is verified but not relayed.
func (c *Coordinator) handleAuthStateChanged(ctx context.Context, req *router.Request) (any, error) {
	var reported protocol.AuthState
	if err := req.Message.ParsePayload(&reported); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	state, err := c.verifiedAuthState(ctx)
	if err != nil {
		return nil, err
	}
	if reported.IsAuthenticated != state.IsAuthenticated ||
		(reported.User != nil && state.User != nil && reported.User.UID != state.User.UID) {
		c.logger.WarnContext(ctx, "coordinator.auth_report_mismatch",
			"from", req.From.String(), "reported_authenticated", reported.IsAuthenticated,
			"verified_authenticated", state.IsAuthenticated)
	}
	_ = c.SetAuthState(ctx, state)

	relay := protocol.MustMessage(protocol.TypeAuthStateUpdated, state)
	relay.Source = req.Message.Source
	if err := c.broadcast(ctx, relay); err != nil && !errors.Is(err, domain.ErrRebroadcast) {
		return nil, fmt.Errorf("relay auth state: %w", err)
	}
	return protocol.Ack{Success: true}, nil
}

// verifiedAuthState asks the backend who the session belongs to. An auth
// failure means there is no session; any other failure is returned and
// leaves the current snapshot alone.
func (c *Coordinator) verifiedAuthState(ctx context.Context) (protocol.AuthState, error) {
	var user *protocol.User
	err := c.call(ctx, "auth.lookup", func(ctx context.Context) error {
		var lookupErr error
		user, lookupErr = c.auth.CurrentUser(ctx)
		return lookupErr
	})
	switch {
	case err != nil && domain.IsAuthError(err):
		return signedOut, nil
	case err != nil:
		return protocol.AuthState{}, err
	case user == nil || user.UID == "":
		return signedOut, nil
	}
	return protocol.AuthState{IsAuthenticated: true, User: user}, nil
}
