package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/repo"
	"github.com/akoselev/keywatch/internal/observ"
)

// Notifier delivers owner-facing messages while enforcing a minimum spacing
// between two sends to the same recipient. Sends to different recipients are
// independent. Delivery is best-effort: transport failures are logged and
// swallowed so a notification can never take monitoring down with it.
type Notifier struct {
	bot    repo.BotRepo
	minGap time.Duration

	mu    sync.Mutex
	gates map[string]*recipientGate

	log *zap.Logger
}

// recipientGate serializes sends to one recipient. The gate's lock is held
// across the pacing wait, so a second concurrent send to the same recipient
// queues behind it.
type recipientGate struct {
	mu       sync.Mutex
	lastSend time.Time
}

// NewNotifier creates a notifier over the bot transport.
func NewNotifier(bot repo.BotRepo, minGap time.Duration, log *zap.Logger) *Notifier {
	return &Notifier{
		bot:    bot,
		minGap: minGap,
		gates:  make(map[string]*recipientGate),
		log:    log.Named("notifier"),
	}
}

// Send delivers text to one recipient, suspending first if the minimum
// spacing since the previous send to that recipient has not yet elapsed.
func (n *Notifier) Send(ctx context.Context, recipient, text string) {
	gate := n.gate(recipient)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	if wait := n.minGap - time.Since(gate.lastSend); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := n.bot.Deliver(ctx, recipient, text); err != nil {
		observ.DeliveryFailures.Inc()
		n.log.Warn("delivery failed",
			zap.String("recipient", recipient),
			zap.Error(err))
	}
	gate.lastSend = time.Now()
}

func (n *Notifier) gate(recipient string) *recipientGate {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.gates[recipient]
	if !ok {
		g = &recipientGate{}
		n.gates[recipient] = g
	}
	return g
}
