// Package domain contains the coordinator's shared vocabulary: errors,
// timing constants, identifiers, and the injectable clock.
// No third-party dependencies besides uuid.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxUserIDLength bounds identity-provider user IDs.
const MaxUserIDLength = 128

// NewMessageID returns a random short identifier for an outbound message.
// Used for reply correlation and log dedup, not as a durable key.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:MessageIDLength]
}

// NewDocumentID returns a random document identifier.
func NewDocumentID() string {
	return uuid.NewString()
}

// UserID is a value object for the identity provider's user ID.
// Provider IDs are opaque strings, not UUIDs.
type UserID struct {
	value string
}

// NewUserID validates raw as a provider user ID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if len(raw) > MaxUserIDLength {
		return UserID{}, fmt.Errorf("user ID exceeds max length %d: %w", MaxUserIDLength, ErrInvalidID)
	}
	if strings.ContainsAny(raw, "/#") {
		return UserID{}, fmt.Errorf("user ID %q contains a path separator: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// DocumentID is a value object for a document key within a collection.
type DocumentID struct {
	value string
}

// NewDocumentIDFrom validates raw as a document key.
func NewDocumentIDFrom(raw string) (DocumentID, error) {
	if raw == "" {
		return DocumentID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return DocumentID{}, fmt.Errorf("invalid document ID %q: %w", raw, ErrInvalidID)
	}
	return DocumentID{value: raw}, nil
}

func (id DocumentID) String() string { return id.value }
func (id DocumentID) IsZero() bool   { return id.value == "" }
