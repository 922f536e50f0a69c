package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
)

// fakeBot records deliveries with timestamps.
type fakeBot struct {
	mu       sync.Mutex
	sent     []sentMessage
	failWith error
}

type sentMessage struct {
	recipient string
	text      string
	at        time.Time
}

func (b *fakeBot) Deliver(ctx context.Context, recipient, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.sent = append(b.sent, sentMessage{recipient: recipient, text: text, at: time.Now()})
	return nil
}

func (b *fakeBot) messages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentMessage, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *fakeBot) messagesFor(recipient string) []sentMessage {
	var out []sentMessage
	for _, m := range b.messages() {
		if m.recipient == recipient {
			out = append(out, m)
		}
	}
	return out
}

// fakeStore is an in-memory repo.Store.
type fakeStore struct {
	mu         sync.Mutex
	owners     map[string]*domain.Owner
	allowed    map[string]*domain.AllowedUser
	sessions   map[string]*domain.WatchSession
	keywords   map[string][]domain.Term
	exceptions map[string][]domain.Term
	records    []*domain.MessageRecord
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		owners:     make(map[string]*domain.Owner),
		allowed:    make(map[string]*domain.AllowedUser),
		sessions:   make(map[string]*domain.WatchSession),
		keywords:   make(map[string][]domain.Term),
		exceptions: make(map[string][]domain.Term),
	}
}

func (s *fakeStore) addSession(sess *domain.WatchSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		s.nextID++
		sess.ID = strconv.FormatInt(s.nextID, 10)
	}
	s.sessions[sess.OwnerID+"/"+sess.ID] = sess
}

func (s *fakeStore) SeedAdmins(ctx context.Context, adminIDs []string) error {
	for _, id := range adminIDs {
		_ = s.AddAllowed(ctx, &domain.AllowedUser{OwnerID: id, Handle: "admin", AddedBy: "system"})
	}
	return nil
}

func (s *fakeStore) EnsureOwner(ctx context.Context, owner *domain.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[owner.ID]; !ok {
		s.owners[owner.ID] = owner
	}
	return nil
}

func (s *fakeStore) IsAllowed(ctx context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allowed[ownerID]
	return ok, nil
}

func (s *fakeStore) AddAllowed(ctx context.Context, entry *domain.AllowedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[entry.OwnerID] = entry
	return nil
}

func (s *fakeStore) RemoveAllowed(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowed, ownerID)
	return nil
}

func (s *fakeStore) ListAllowed(ctx context.Context) ([]*domain.AllowedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.AllowedUser
	for _, u := range s.allowed {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeStore) SaveSession(ctx context.Context, sess *domain.WatchSession) error {
	s.addSession(sess)
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, ownerID, sessionID string) (*domain.WatchSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ownerID+"/"+sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *fakeStore) ListSessions(ctx context.Context, ownerID string) ([]*domain.WatchSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WatchSession
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *fakeStore) ListActiveSessions(ctx context.Context) ([]*domain.WatchSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WatchSession
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *fakeStore) AddKeywords(ctx context.Context, ownerID string, terms []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range terms {
		s.nextID++
		s.keywords[ownerID] = append(s.keywords[ownerID], domain.Term{ID: s.nextID, Term: t})
	}
	return len(terms), nil
}

func (s *fakeStore) AddExceptions(ctx context.Context, ownerID string, terms []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range terms {
		s.nextID++
		s.exceptions[ownerID] = append(s.exceptions[ownerID], domain.Term{ID: s.nextID, Term: t})
	}
	return len(terms), nil
}

func (s *fakeStore) GetKeywords(ctx context.Context, ownerID string) ([]domain.Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keywords[ownerID], nil
}

func (s *fakeStore) GetExceptions(ctx context.Context, ownerID string) ([]domain.Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exceptions[ownerID], nil
}

func (s *fakeStore) DeleteKeyword(ctx context.Context, ownerID string, termID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.keywords[ownerID] {
		if t.ID == termID {
			s.keywords[ownerID] = append(s.keywords[ownerID][:i], s.keywords[ownerID][i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) DeleteException(ctx context.Context, ownerID string, termID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.exceptions[ownerID] {
		if t.ID == termID {
			s.exceptions[ownerID] = append(s.exceptions[ownerID][:i], s.exceptions[ownerID][i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) ClearKeywords(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keywords, ownerID)
	return nil
}

func (s *fakeStore) ClearExceptions(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exceptions, ownerID)
	return nil
}

func (s *fakeStore) AppendMessageRecord(ctx context.Context, rec *domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	rec.CreatedAt = time.Now()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) RecentMatches(ctx context.Context, ownerID string, limit int) ([]*domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.MessageRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].OwnerID == ownerID && s.records[i].Matched {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *fakeStore) OwnerStats(ctx context.Context, ownerID string) (*domain.OwnerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.OwnerStats{KeywordCount: int64(len(s.keywords[ownerID]))}
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			stats.TotalMessages++
			if rec.Matched {
				stats.MatchedCount++
			}
		}
	}
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			stats.SessionCount++
		}
	}
	return stats, nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) Close() error { return nil }

// fakeTransport hands out scripted probe results and fakeSubscriptions.
type fakeTransport struct {
	mu         sync.Mutex
	probeErrs  map[string]error
	openErrs   map[string]error
	subs       []*fakeSubscription
	probeCalls int
	probeDelay time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		probeErrs: make(map[string]error),
		openErrs:  make(map[string]error),
	}
}

func (t *fakeTransport) Probe(ctx context.Context, credential string) (*domain.Identity, error) {
	t.mu.Lock()
	delay := t.probeDelay
	t.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.probeCalls++
	if err := t.probeErrs[credential]; err != nil {
		return nil, err
	}
	return &domain.Identity{Handle: "watcher_" + credential}, nil
}

func (t *fakeTransport) Open(ctx context.Context, credential string) (repo.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.openErrs[credential]; err != nil {
		return nil, err
	}
	sub := newFakeSubscription()
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) lastSub() *fakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

type fakeSubscription struct {
	events    chan domain.InboundEvent
	closeOnce sync.Once

	mu         sync.Mutex
	chatErr    error
	senderErr  error
	chatNames  map[string]string
	closeCalls int
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events:    make(chan domain.InboundEvent, 16),
		chatNames: make(map[string]string),
	}
}

func (s *fakeSubscription) Events() <-chan domain.InboundEvent { return s.events }

func (s *fakeSubscription) ResolveChat(ctx context.Context, chatID string) (string, domain.SourceKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatErr != nil {
		return "", "", s.chatErr
	}
	if name, ok := s.chatNames[chatID]; ok {
		return name, domain.SourceGroup, nil
	}
	return "chat " + chatID, domain.SourceBroadcast, nil
}

func (s *fakeSubscription) ResolveSender(ctx context.Context, senderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.senderErr != nil {
		return "", s.senderErr
	}
	return "sender_" + senderID, nil
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
