// Package protocol defines the message envelope exchanged between the
// coordinator and its surfaces (popup, content-script tabs).
// Every message kind has a fixed payload shape; see payloads.go.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a message with its kind. The set of kinds is closed.
type MessageType string

const (
	// Readiness
	TypeReadyCheck MessageType = "READY_CHECK"

	// Status
	TypeGetServiceStatus MessageType = "GET_SERVICE_STATUS"
	TypeConnectionStatus MessageType = "CONNECTION_STATUS"

	// Auth
	TypeGetAuthState     MessageType = "GET_AUTH_STATE"
	TypeSignIn           MessageType = "SIGN_IN"
	TypeSignOut          MessageType = "SIGN_OUT"
	TypeAuthStateChanged MessageType = "AUTH_STATE_CHANGED"
	TypeAuthStateUpdated MessageType = "AUTH_STATE_UPDATED"

	// Backend connection recovery
	TypeRefreshConnection MessageType = "REFRESH_FIREBASE_CONNECTION"

	// Captions and word list
	TypeWordClicked  MessageType = "WORD_CLICKED"
	TypeWordSelected MessageType = "WORD_SELECTED"
	TypeSaveWord     MessageType = "SAVE_WORD"
	TypeGetWords     MessageType = "GET_WORDS"
	TypeDeleteWord   MessageType = "DELETE_WORD"
	TypeWordsUpdated MessageType = "WORDS_UPDATED"

	// Generative chat
	TypeGenerateAnswer MessageType = "GENERATE_ANSWER"

	// TypeResponse marks a reply frame; _replyTo names the request.
	TypeResponse MessageType = "RESPONSE"
)

var knownTypes = map[MessageType]struct{}{
	TypeReadyCheck:        {},
	TypeGetServiceStatus:  {},
	TypeConnectionStatus:  {},
	TypeGetAuthState:      {},
	TypeSignIn:            {},
	TypeSignOut:           {},
	TypeAuthStateChanged:  {},
	TypeAuthStateUpdated:  {},
	TypeRefreshConnection: {},
	TypeWordClicked:       {},
	TypeWordSelected:      {},
	TypeSaveWord:          {},
	TypeGetWords:          {},
	TypeDeleteWord:        {},
	TypeWordsUpdated:      {},
	TypeGenerateAnswer:    {},
}

// IsKnown reports whether t is one of the closed set of routable kinds.
// TypeResponse is transport-level and not routable.
func IsKnown(t MessageType) bool {
	_, ok := knownTypes[t]
	return ok
}

// KnownTypes returns every routable kind.
func KnownTypes() []MessageType {
	out := make([]MessageType, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Source records which surface produced a message. Broadcast copies carry
// SourceBroadcast so a handler never re-broadcasts what it received from one.
type Source string

const (
	SourceBackground Source = "background"
	SourcePopup      Source = "popup"
	SourceTab        Source = "tab"
	SourceBroadcast  Source = "broadcast"
)

// Message is the envelope for every frame on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"_messageId,omitempty"`
	Timestamp int64           `json:"_timestamp,omitempty"`
	Source    Source          `json:"_source,omitempty"`
	ReplyTo   string          `json:"_replyTo,omitempty"`
}

// NewMessage creates a Message with the given type and payload.
func NewMessage(t MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
	}
	return &Message{Type: t, Payload: raw}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(t MessageType, payload any) *Message {
	m, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// NewResponse builds the reply frame for request id.
func NewResponse(replyTo string, payload json.RawMessage) *Message {
	return &Message{Type: TypeResponse, Payload: payload, ReplyTo: replyTo}
}

// ParsePayload unmarshals the message payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Clone returns a shallow copy whose payload slice is not shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}

// IsResponse reports whether m is a reply frame.
func (m *Message) IsResponse() bool {
	return m.Type == TypeResponse && m.ReplyTo != ""
}
