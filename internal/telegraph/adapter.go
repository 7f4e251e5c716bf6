// Package telegraph is the chat transport layer: the Adapter interface that
// Slack and Discord implementations satisfy, and the message types the desk
// exchanges with them.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message, button press or file upload received
// from the chat platform.
type InboundMessage struct {
	Platform    string       // e.g. "slack", "discord"
	ChannelID   string       // platform-specific channel identifier
	UserID      string       // platform-specific user identifier
	UserName    string       // human-readable username
	Text        string       // message text, or the Value of a pressed button
	Attachments []Attachment // uploaded files
	// CorrelationID groups attachments that the platform delivers as
	// separate events but the user sent as one batch.
	CorrelationID string
	Timestamp     time.Time
}

// HasAttachments reports whether the message carries files.
func (m InboundMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Attachment is a file reference received from the platform.
type Attachment struct {
	FileID string
	Name   string
	URL    string
}

// OutboundMessage represents a message to be sent to the chat platform.
// When UserID is set the message is delivered as a direct message.
type OutboundMessage struct {
	ChannelID string
	UserID    string
	Text      string
	Keyboard  *Keyboard
	Events    []FormattedEvent
}

// FormattedEvent is a structured notice rendered as an attachment/embed.
type FormattedEvent struct {
	Title    string  // headline, e.g. "Ticket SD-101 escalated"
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
