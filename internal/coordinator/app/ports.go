package app

import (
	"context"
	"encoding/json"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// Transport delivers a message to one connected surface and waits for its
// reply. It returns domain.ErrNoReceiver when the surface is not connected.
type Transport interface {
	Send(ctx context.Context, target protocol.Target, msg *protocol.Message) (json.RawMessage, error)
	Tabs(ctx context.Context) ([]protocol.TabID, error)
}

// Cache is the local persisted key-value cache. Values are whole JSON
// documents; there is no field-level update.
type Cache interface {
	// Get decodes the value at key into dst. It reports false when the key is absent.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Document is one user-scoped record in the cloud document store.
type Document struct {
	ID   string
	Data json.RawMessage
}

// DocumentStore is the cloud document store, scoped per user and collection.
type DocumentStore interface {
	List(ctx context.Context, user domain.UserID, collection string) ([]Document, error)
	Put(ctx context.Context, user domain.UserID, collection string, doc Document) error
	// Delete returns domain.ErrNotFound when id does not exist.
	Delete(ctx context.Context, user domain.UserID, collection, id string) error
}

// ChatModel is the generative chat RPC.
type ChatModel interface {
	GenerateAnswer(ctx context.Context, prompt string, history []protocol.ChatTurn) (string, error)
}

// AuthBackend holds the session powering every backend call.
type AuthBackend interface {
	// SignIn adopts credentials obtained interactively by the popup.
	SignIn(ctx context.Context, idToken string, refreshToken domain.SecretString) (*protocol.User, error)
	SignOut(ctx context.Context) error
	ForceRefreshToken(ctx context.Context) error
	CurrentUser(ctx context.Context) (*protocol.User, error)
}
