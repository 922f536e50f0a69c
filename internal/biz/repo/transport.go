package repo

import (
	"context"

	"github.com/akoselev/keywatch/internal/biz/domain"
)

// StreamTransport is the watch-session transport contract. Probe and Open
// are two separate phases: a probe never reuses the connection a later Open
// establishes, so failure classification stays independent of the long-lived
// subscription's state.
type StreamTransport interface {
	// Probe performs a short connect-and-identify check of a credential.
	// Failures are classified domain.ValidationError values.
	Probe(ctx context.Context, credential string) (*domain.Identity, error)

	// Open establishes the long-lived subscription. The returned
	// Subscription delivers events asynchronously; Open itself returns as
	// soon as the connection is established.
	Open(ctx context.Context, credential string) (Subscription, error)
}

// Subscription is one live event stream. Events is lazy, unbounded and
// non-restartable: the channel closes when the subscription ends, whether
// requested or transport-initiated.
type Subscription interface {
	// Events returns the inbound event channel. Closed on disconnect.
	Events() <-chan domain.InboundEvent

	// ResolveChat resolves display metadata for a chat. May be slow; callers
	// must not invoke it on the receive loop.
	ResolveChat(ctx context.Context, chatID string) (name string, kind domain.SourceKind, err error)

	// ResolveSender resolves a sender id to a display handle.
	ResolveSender(ctx context.Context, senderID string) (string, error)

	// Close releases the subscription. Idempotent, safe after disconnect.
	Close() error
}
