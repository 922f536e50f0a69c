package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
)

type fakeSummarizer struct {
	received string
}

func (s *fakeSummarizer) Summarize(ctx context.Context, records string) (string, error) {
	s.received = records
	return "2 mentions of invoice in Deals", nil
}

func TestDigestDisabledWithoutSummarizer(t *testing.T) {
	store := newFakeStore()
	d := NewDigestService(store, nil, NewNotifier(&fakeBot{}, 0, zap.NewNop()), time.Hour, zap.NewNop())

	if d.Enabled() {
		t.Error("Expected digest disabled with nil summarizer")
	}
	summary, err := d.DigestFor(context.Background(), "owner-1")
	if err != nil || summary != "" {
		t.Errorf("Expected empty digest when disabled, got %q err=%v", summary, err)
	}
}

func TestDigestForSummarizesRecentMatches(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{}
	d := NewDigestService(store, sum, NewNotifier(&fakeBot{}, 0, zap.NewNop()), time.Hour, zap.NewNop())
	ctx := context.Background()

	store.AppendMessageRecord(ctx, &domain.MessageRecord{
		OwnerID: "owner-1", SessionID: "1", ChatName: "Deals", SenderHandle: "alice",
		Text: "the invoice arrived", Matched: true, MatchedTerms: []string{"invoice"},
	})
	store.AppendMessageRecord(ctx, &domain.MessageRecord{
		OwnerID: "owner-1", SessionID: "1", ChatName: "Deals", SenderHandle: "bob",
		Text: "just chatting", Matched: false,
	})

	summary, err := d.DigestFor(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Expected digest to succeed, got %v", err)
	}
	if summary != "2 mentions of invoice in Deals" {
		t.Errorf("Expected the summarizer output, got %q", summary)
	}
	if !strings.Contains(sum.received, "Deals") || !strings.Contains(sum.received, "@alice") {
		t.Errorf("Expected formatted records fed to the summarizer, got %q", sum.received)
	}
	if strings.Contains(sum.received, "just chatting") {
		t.Errorf("Expected only matched records in the digest input, got %q", sum.received)
	}
}

func TestDigestForEmptyHistory(t *testing.T) {
	store := newFakeStore()
	d := NewDigestService(store, &fakeSummarizer{}, NewNotifier(&fakeBot{}, 0, zap.NewNop()), time.Hour, zap.NewNop())

	summary, err := d.DigestFor(context.Background(), "owner-1")
	if err != nil || summary != "" {
		t.Errorf("Expected empty digest for empty history, got %q err=%v", summary, err)
	}
}
