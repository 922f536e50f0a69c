package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
)

// digestBatchSize bounds how many matched records feed one digest.
const digestBatchSize = 25

// DigestService periodically condenses each owner's recent matched records
// into a short summary and delivers it through the notifier. Optional: with
// a nil summarizer the service stays inert.
type DigestService struct {
	store      repo.Store
	summarizer repo.SummarizerRepo
	notifier   *Notifier
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewDigestService creates the digest scheduler.
func NewDigestService(
	store repo.Store,
	summarizer repo.SummarizerRepo,
	notifier *Notifier,
	interval time.Duration,
	log *zap.Logger,
) *DigestService {
	return &DigestService{
		store:      store,
		summarizer: summarizer,
		notifier:   notifier,
		interval:   interval,
		log:        log.Named("digest"),
	}
}

// Enabled reports whether a summarizer is configured.
func (d *DigestService) Enabled() bool {
	return d.summarizer != nil
}

// Start launches the digest loop. No-op when disabled.
func (d *DigestService) Start(ctx context.Context) {
	if !d.Enabled() {
		d.log.Info("digest disabled, no summarizer configured")
		return
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop()
	d.log.Info("digest scheduler started", zap.Duration("interval", d.interval))
}

// Stop halts the digest loop and waits for an in-flight run.
func (d *DigestService) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *DigestService) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runAll(d.ctx)
		}
	}
}

func (d *DigestService) runAll(ctx context.Context) {
	owners, err := d.store.ListAllowed(ctx)
	if err != nil {
		d.log.Warn("failed to list owners for digest", zap.Error(err))
		return
	}

	for _, owner := range owners {
		summary, err := d.DigestFor(ctx, owner.OwnerID)
		if err != nil {
			d.log.Warn("digest failed", zap.String("owner", owner.OwnerID), zap.Error(err))
			continue
		}
		if summary == "" {
			continue
		}
		d.notifier.Send(ctx, owner.OwnerID, "📋 Alert digest\n\n"+summary)
	}
}

// DigestFor builds one owner's digest. Returns "" when the owner has no
// recent matched records or the feature is disabled.
func (d *DigestService) DigestFor(ctx context.Context, ownerID string) (string, error) {
	if !d.Enabled() {
		return "", nil
	}

	records, err := d.store.RecentMatches(ctx, ownerID, digestBatchSize)
	if err != nil {
		return "", fmt.Errorf("failed to load matches: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	return d.summarizer.Summarize(ctx, formatRecords(records))
}

func formatRecords(records []*domain.MessageRecord) string {
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("[%s] %s / @%s (%s): %s\n",
			rec.CreatedAt.Format("Jan 2 15:04"),
			rec.ChatName,
			rec.SenderHandle,
			strings.Join(rec.MatchedTerms, ", "),
			preview(rec.Text),
		))
	}
	return sb.String()
}
