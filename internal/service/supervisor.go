package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
	"github.com/akoselev/keywatch/internal/observ"
)

// runningSession is one registry entry. It is inserted before validation as
// a reservation (sub still nil) and completed once the subscription is up,
// so no second Start can open a subscription for the same key in between.
type runningSession struct {
	session       *domain.WatchSession
	sub           repo.Subscription
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	connected     atomic.Bool
}

// Supervisor is the single authority over watch session lifecycle. It owns
// the active registry: at most one live subscription exists per
// (owner, session-id) at any instant, and every registry mutation happens
// under the supervisor's lock.
type Supervisor struct {
	store      repo.Store
	transport  repo.StreamTransport
	pipeline   *Pipeline
	notifier   *Notifier
	startDelay time.Duration

	mu     sync.Mutex
	active map[domain.SessionKey]*runningSession

	wg  sync.WaitGroup
	log *zap.Logger
}

// NewSupervisor creates the session supervisor.
func NewSupervisor(
	store repo.Store,
	transport repo.StreamTransport,
	pipeline *Pipeline,
	notifier *Notifier,
	startDelay time.Duration,
	log *zap.Logger,
) *Supervisor {
	return &Supervisor{
		store:      store,
		transport:  transport,
		pipeline:   pipeline,
		notifier:   notifier,
		startDelay: startDelay,
		active:     make(map[domain.SessionKey]*runningSession),
		log:        log.Named("supervisor"),
	}
}

// Start validates a stored session's credential and, on success, brings its
// subscription up and registers it. The owner is notified of the outcome
// either way. Validation failures are terminal for this call: there is no
// retry loop, the next attempt is an explicit Start or RestoreAll.
func (s *Supervisor) Start(ctx context.Context, ownerID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	key := sess.Key()

	// Reserve the key before validating: a concurrent Start for the same
	// session fails here instead of opening a second subscription.
	rs := &runningSession{session: sess}
	s.mu.Lock()
	if _, exists := s.active[key]; exists {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	s.active[key] = rs
	s.mu.Unlock()

	_ = sess.Transition(domain.StateValidating)

	identity, err := s.transport.Probe(ctx, sess.Credential)
	if err != nil {
		s.deregister(key, rs)
		_ = sess.Transition(domain.StateValidationFailed)
		msg := fmt.Sprintf("❌ Failed to start session '%s': validation error", sess.Name)
		if ve, ok := domain.AsValidationError(err); ok {
			msg = fmt.Sprintf("❌ Failed to start session '%s': %s", sess.Name, ve.OwnerMessage())
		}
		s.notifier.Send(ctx, ownerID, msg)
		return err
	}

	sub, err := s.transport.Open(ctx, sess.Credential)
	if err != nil {
		s.deregister(key, rs)
		_ = sess.Transition(domain.StateValidationFailed)
		s.notifier.Send(ctx, ownerID, fmt.Sprintf("❌ Failed to start session '%s': connection error", sess.Name))
		return fmt.Errorf("failed to open subscription: %w", err)
	}

	// The receive loop outlives the Start call; it stops on explicit Stop
	// or when the transport ends the subscription.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	rs.sub = sub
	rs.cancel = cancel
	s.mu.Unlock()

	_ = sess.Transition(domain.StateConnected)
	rs.connected.Store(true)
	observ.ActiveSessions.Inc()

	s.wg.Add(1)
	go s.receiveLoop(runCtx, key, rs)

	s.log.Info("session started",
		zap.String("key", key.String()),
		zap.String("identity", identity.Handle))
	s.notifier.Send(ctx, ownerID,
		fmt.Sprintf("✅ Monitoring started for session '%s' (@%s)", sess.Name, identity.Handle))
	return nil
}

// receiveLoop drains one subscription's events, dispatching a goroutine per
// event so pipeline work never runs on the loop that receives the next
// event. Termination of the event channel, however caused, deregisters the
// session.
func (s *Supervisor) receiveLoop(ctx context.Context, key domain.SessionKey, rs *runningSession) {
	defer s.wg.Done()

	for ev := range rs.sub.Events() {
		ev.OwnerID = rs.session.OwnerID
		ev.SessionID = rs.session.ID
		ev.SessionName = rs.session.Name

		s.wg.Add(1)
		go func(ev domain.InboundEvent) {
			defer s.wg.Done()
			s.pipeline.Process(ctx, rs.sub, ev)
		}(ev)
	}

	requested := rs.stopRequested.Load()
	s.deregister(key, rs)
	_ = rs.session.Transition(domain.StateDisconnected)

	if !requested {
		s.log.Warn("subscription lost", zap.String("key", key.String()))
		s.notifier.Send(context.Background(), rs.session.OwnerID,
			fmt.Sprintf("⚠️ Monitoring stopped unexpectedly for session '%s'. Start it again with /start_session %s",
				rs.session.Name, rs.session.ID))
	}
}

// Stop disconnects a running session and removes it from the registry.
// Returns ErrNotRunning when the session has no live subscription; a
// repeated Stop therefore returns ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context, ownerID, sessionID string) error {
	key := domain.SessionKey{OwnerID: ownerID, SessionID: sessionID}

	s.mu.Lock()
	rs, ok := s.active[key]
	if ok && rs.sub == nil {
		// Reservation only: the start is still validating.
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotRunning
	}

	rs.stopRequested.Store(true)
	rs.cancel()
	if err := rs.sub.Close(); err != nil {
		s.log.Warn("subscription close failed", zap.String("key", key.String()), zap.Error(err))
	}
	s.deregister(key, rs)

	s.log.Info("session stopped", zap.String("key", key.String()))
	return nil
}

// deregister removes the entry if it still maps to this running session.
// Idempotent: both Stop and the receive loop call it, only the first wins.
func (s *Supervisor) deregister(key domain.SessionKey, rs *runningSession) {
	s.mu.Lock()
	current, ok := s.active[key]
	if ok && current == rs {
		delete(s.active, key)
	}
	s.mu.Unlock()
	if rs.connected.CompareAndSwap(true, false) {
		observ.ActiveSessions.Dec()
	}
}

// RestoreAll starts every session marked active in the store, pacing
// successive starts so the gateway's connection-rate limits are respected.
// Per-session failures are logged and do not abort the rest.
func (s *Supervisor) RestoreAll(ctx context.Context) error {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions for restoration: %w", err)
	}

	started := 0
	for i, sess := range sessions {
		if i > 0 {
			select {
			case <-time.After(s.startDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.Start(ctx, sess.OwnerID, sess.ID); err != nil {
			s.log.Warn("failed to restore session",
				zap.String("key", sess.Key().String()),
				zap.Error(err))
			continue
		}
		started++
	}

	s.log.Info("restoration complete",
		zap.Int("started", started),
		zap.Int("stored", len(sessions)))
	return nil
}

// Status reports the owner's live subscription count and the global count.
func (s *Supervisor) Status(ownerID string) (owned, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.active {
		if key.OwnerID == ownerID {
			owned++
		}
	}
	return owned, len(s.active)
}

// IsRunning reports whether a session has a live subscription.
func (s *Supervisor) IsRunning(ownerID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[domain.SessionKey{OwnerID: ownerID, SessionID: sessionID}]
	return ok
}

// Shutdown stops every running session and waits for in-flight work.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	keys := make([]domain.SessionKey, 0, len(s.active))
	for key := range s.active {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.Stop(ctx, key.OwnerID, key.SessionID); err != nil {
			s.log.Warn("shutdown stop failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	s.wg.Wait()
}
