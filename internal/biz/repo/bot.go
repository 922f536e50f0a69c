package repo

import "context"

// BotRepo is the messaging-bot transport. Deliver pushes one text message to
// one recipient; the error, if any, carries an opaque transport-level reason.
type BotRepo interface {
	Deliver(ctx context.Context, recipient, text string) error
}
