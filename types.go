// Package chatsync is the real-time synchronization core for a two-party chat
// conversation: it keeps a live push channel healthy across transport
// failures, reconciles optimistic local sends with server-confirmed state,
// deduplicates redelivered events, and maintains a single time-ordered message
// sequence for the open conversation.
//
// Example:
//
//	rest := chatsync.NewClient(token)
//	conn := chatsync.NewConnectionManager(chatsync.ChannelConfig{URL: wsURL, Token: token, Tokens: rest})
//	engine := chatsync.NewEngine(chatsync.Config{Rest: rest, Channel: conn})
//	engine.OnMessages(render)
//	engine.Start(ctx)
//	engine.Open(ctx, selfID, peerID)
//	engine.Send(ctx, chatsync.Draft{Text: "hello"})
package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// DeliveryState tracks how far a message has made it toward the server.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single chat entry in a two-party conversation.
//
// Optimistic messages carry a client-generated temporary ID and the local send
// time; both are overwritten by server-confirmed values on reconciliation.
type Message struct {
	ID            string        `json:"id"`
	SenderID      string        `json:"senderId"`
	RecipientID   string        `json:"recipientId"`
	Text          string        `json:"text,omitempty"`
	AttachmentRef string        `json:"attachmentRef,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	DeliveryState DeliveryState `json:"deliveryState"`
	Optimistic    bool          `json:"optimistic,omitempty"`
}

// Draft is a locally composed message before it enters the send pipeline.
type Draft struct {
	Text          string
	AttachmentRef string
}

// RosterEntry is a normalized contact from a RosterUpdated event.
type RosterEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Status      string `json:"status,omitempty"`
}

// PeerStatus is a normalized presence change for a single peer.
type PeerStatus struct {
	PeerID string `json:"peerId"`
	Status string `json:"status"`
}

// ============================================================================
// Connection Types
// ============================================================================

// ConnState represents the live channel's lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnStatus is a point-in-time snapshot of the connection.
type ConnStatus struct {
	State      ConnState
	RetryCount int
	LastError  error
	Degraded   bool
}

// ErrorClass buckets transport and REST failures for recovery decisions.
type ErrorClass string

const (
	ErrTransportDrop       ErrorClass = "transport_drop"
	ErrAuthExpired         ErrorClass = "auth_expired"
	ErrEndpointUnavailable ErrorClass = "endpoint_unavailable"
	ErrNetwork             ErrorClass = "network"
	ErrInvalidFormat       ErrorClass = "invalid_format"
	ErrGeneric             ErrorClass = "generic"
)

// SendFailure is surfaced when the durable send path rejects a message. The
// rolled-back draft is included so the caller can restore the compose input.
type SendFailure struct {
	Class ErrorClass
	Draft Draft
	Err   error
}

// Notice is a transient, auto-dismissing status the UI may show.
type Notice struct {
	Text string
}

// ============================================================================
// Identity Normalization
// ============================================================================

// normalizeID trims an identity to its comparable string form. The wire mixes
// numeric and string representations of the same participant.
func normalizeID(v string) string {
	return strings.TrimSpace(v)
}

// sameParty reports whether two identities refer to the same participant.
func sameParty(a, b string) bool {
	return normalizeID(a) != "" && normalizeID(a) == normalizeID(b)
}
