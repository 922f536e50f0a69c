package domain

import "time"

// SourceKind classifies where an inbound message came from.
type SourceKind string

const (
	SourceBroadcast SourceKind = "channel"
	SourceGroup     SourceKind = "group"
)

// InboundEvent is one message observed by a watch session. The transport
// fills the identifiers, text and arrival time; the pipeline fills the
// display metadata (ChatName, SenderHandle, Kind) by resolving against the
// session's transport.
type InboundEvent struct {
	OwnerID      string
	SessionID    string
	SessionName  string
	ChatID       string
	ChatName     string
	SenderID     string
	SenderHandle string
	Text         string
	Kind         SourceKind
	ArrivedAt    time.Time
}

// MessageRecord is the durable log entry derived from an event. Append-only.
type MessageRecord struct {
	ID           int64
	OwnerID      string
	SessionID    string
	ChatID       string
	ChatName     string
	SenderHandle string
	Text         string
	Matched      bool
	MatchedTerms []string
	Kind         SourceKind
	CreatedAt    time.Time
}
