package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
	"github.com/akoselev/keywatch/internal/biz/usecase"
	"github.com/akoselev/keywatch/internal/observ"
)

// previewLen bounds the message excerpt included in an alert.
const previewLen = 150

// Pipeline processes one inbound event end to end: resolve display metadata
// through the session's own transport, evaluate the owner's policies,
// persist the record unconditionally, and alert on match. Every event runs
// as its own goroutine (the supervisor spawns one per event), so a slow or
// failing event never stalls a receive loop or another event.
type Pipeline struct {
	store    repo.Store
	notifier *Notifier
	log      *zap.Logger
}

// NewPipeline creates the event pipeline.
func NewPipeline(store repo.Store, notifier *Notifier, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		notifier: notifier,
		log:      log.Named("pipeline"),
	}
}

// Process handles a single event. It never returns an error: per-event
// transport failures abort just this event, persistence and delivery
// failures are logged and swallowed.
func (p *Pipeline) Process(ctx context.Context, sub repo.Subscription, ev domain.InboundEvent) {
	if ev.Text == "" {
		return
	}

	chatName, kind, err := sub.ResolveChat(ctx, ev.ChatID)
	if err != nil {
		p.log.Warn("dropping event, chat resolution failed",
			zap.String("owner", ev.OwnerID),
			zap.String("chat", ev.ChatID),
			zap.Error(err))
		return
	}
	senderHandle, err := sub.ResolveSender(ctx, ev.SenderID)
	if err != nil {
		p.log.Warn("dropping event, sender resolution failed",
			zap.String("owner", ev.OwnerID),
			zap.String("sender", ev.SenderID),
			zap.Error(err))
		return
	}
	ev.ChatName = chatName
	ev.Kind = kind
	ev.SenderHandle = senderHandle

	// A failed policy read degrades to empty sets: the message is still
	// logged, it just cannot match.
	keywords, err := p.store.GetKeywords(ctx, ev.OwnerID)
	if err != nil {
		p.log.Warn("failed to load keywords", zap.String("owner", ev.OwnerID), zap.Error(err))
	}
	exceptions, err := p.store.GetExceptions(ctx, ev.OwnerID)
	if err != nil {
		p.log.Warn("failed to load exceptions", zap.String("owner", ev.OwnerID), zap.Error(err))
	}

	decision := usecase.Evaluate(ev.Text, keywords, exceptions)
	stored := usecase.StripEmphasis(ev.Text)

	rec := &domain.MessageRecord{
		OwnerID:      ev.OwnerID,
		SessionID:    ev.SessionID,
		ChatID:       ev.ChatID,
		ChatName:     ev.ChatName,
		SenderHandle: ev.SenderHandle,
		Text:         stored,
		Matched:      decision.Matched,
		MatchedTerms: decision.Terms,
		Kind:         ev.Kind,
	}
	if err := p.store.AppendMessageRecord(ctx, rec); err != nil {
		p.log.Warn("failed to persist message record",
			zap.String("owner", ev.OwnerID),
			zap.Error(err))
	}
	observ.EventsProcessed.Inc()

	if decision.Matched {
		observ.AlertsSent.Inc()
		p.notifier.Send(ctx, ev.OwnerID, formatAlert(ev, decision.Terms, stored))
	}
}

func formatAlert(ev domain.InboundEvent, terms []string, text string) string {
	sender := "unknown"
	if ev.SenderHandle != "" {
		sender = "@" + ev.SenderHandle
	}

	return fmt.Sprintf(
		"🚨 Keyword match!\n\n"+
			"📱 Chat: %s\n"+
			"👤 Sender: %s\n"+
			"🔍 Keys: %s\n"+
			"💬 Message: %s\n"+
			"🔐 Session: %s",
		ev.ChatName,
		sender,
		strings.Join(terms, ", "),
		preview(text),
		ev.SessionName,
	)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
}
