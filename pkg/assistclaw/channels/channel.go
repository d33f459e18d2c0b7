// Package channels defines how the assistant talks to messaging platforms.
// Each transport (the Twilio relay, a direct WhatsApp session) implements
// Channel, and the Manager merges their inbound streams into one.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is a messaging transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "twilio", "whatsapp").
	Name() string

	// Connect starts receiving. It must not block on user interaction.
	Connect(ctx context.Context) error

	// Disconnect stops receiving and closes the Receive stream.
	Disconnect() error

	// Send delivers a reply to a user identifier as returned in
	// IncomingMessage.From.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool

	Health() HealthStatus
}

// IncomingMessage is one inbound message from any channel.
type IncomingMessage struct {
	// ID is the provider's message id (Twilio MessageSid, WhatsApp stanza id).
	ID string

	// Channel is the name of the source channel.
	Channel string

	// From identifies the user; it doubles as the conversation key.
	From string

	FromName string

	// Content is the text body. Media-only messages carry "".
	Content string

	Timestamp time.Time

	// Media lists attachments. The assistant reads text only and uses these
	// to explain that to the sender.
	Media []MediaInfo

	Metadata map[string]any
}

// MediaInfo describes an attachment.
type MediaInfo struct {
	URL      string
	MimeType string
}

// OutgoingMessage is a reply.
type OutgoingMessage struct {
	Content string

	// ReplyTo quotes the inbound message where the channel supports it.
	ReplyTo string
}

// HealthStatus is a channel's health snapshot.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrQueueFull           = errors.New("inbound queue is full")
)
