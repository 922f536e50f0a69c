package server

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
	"github.com/akoselev/keywatch/internal/data"
	"github.com/akoselev/keywatch/internal/service"
)

type stubSource struct{}

func (stubSource) OnMessage(handler func(msg *data.BotMessage)) {}
func (stubSource) Start(ctx context.Context) error              { return nil }
func (stubSource) Stop()                                        {}

type captureBot struct {
	mu   sync.Mutex
	sent []string
}

func (b *captureBot) Deliver(ctx context.Context, recipient, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, recipient+": "+text)
	return nil
}

func (b *captureBot) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return ""
	}
	return b.sent[len(b.sent)-1]
}

func (b *captureBot) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type stubTransport struct {
	probeErr error
}

func (t *stubTransport) Probe(ctx context.Context, credential string) (*domain.Identity, error) {
	if t.probeErr != nil {
		return nil, t.probeErr
	}
	return &domain.Identity{Handle: "watcher"}, nil
}

func (t *stubTransport) Open(ctx context.Context, credential string) (repo.Subscription, error) {
	return nil, errors.New("not used in these tests")
}

type botFixture struct {
	server *BotServer
	store  repo.Store
	bot    *captureBot
}

func newBotFixture(t *testing.T, transport repo.StreamTransport, adminIDs []string) *botFixture {
	t.Helper()
	log := zap.NewNop()

	store, err := data.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SeedAdmins(context.Background(), adminIDs); err != nil {
		t.Fatalf("Failed to seed admins: %v", err)
	}

	bot := &captureBot{}
	notifier := service.NewNotifier(bot, 0, log)
	pipeline := service.NewPipeline(store, notifier, log)
	sup := service.NewSupervisor(store, transport, pipeline, notifier, time.Millisecond, log)
	digest := service.NewDigestService(store, nil, notifier, time.Hour, log)

	srv := NewBotServer(stubSource{}, store, transport, sup, notifier, digest, adminIDs, log)
	return &botFixture{server: srv, store: store, bot: bot}
}

func (f *botFixture) send(ctx context.Context, ownerID, text string) {
	f.server.HandleMessage(ctx, &data.BotMessage{OwnerID: ownerID, Handle: "user_" + ownerID, Text: text})
}

func (f *botFixture) allow(t *testing.T, ownerID string) {
	t.Helper()
	err := f.store.AddAllowed(context.Background(), &domain.AllowedUser{
		OwnerID: ownerID, Handle: "user_" + ownerID, AddedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("Failed to whitelist %s: %v", ownerID, err)
	}
}

func TestStartWorksWithoutWhitelist(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)

	f.send(context.Background(), "stranger", "/start")

	if !strings.Contains(f.bot.last(), "Commands") {
		t.Errorf("Expected the command list, got %q", f.bot.last())
	}
}

func TestNonWhitelistedUserDenied(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)

	f.send(context.Background(), "stranger", "/my_stats")

	if !strings.Contains(f.bot.last(), "Access denied") {
		t.Errorf("Expected access denial, got %q", f.bot.last())
	}
}

func TestNonCommandTextIgnored(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)

	f.send(context.Background(), "stranger", "hello there")

	if f.bot.count() != 0 {
		t.Errorf("Expected no reply to plain text, got %q", f.bot.last())
	}
}

func TestAddSessionValidatesAndSaves(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/add_session main 1ApWapzMBu4qU7")

	if !strings.Contains(f.bot.last(), "saved") {
		t.Fatalf("Expected save confirmation, got %q", f.bot.last())
	}
	sessions, err := f.store.ListSessions(ctx, "owner-1")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Expected 1 stored session, got %v err=%v", sessions, err)
	}
	if sessions[0].Name != "main" || sessions[0].Credential != "1ApWapzMBu4qU7" {
		t.Errorf("Session mismatch: %+v", sessions[0])
	}
}

func TestAddSessionRejectsBadCredential(t *testing.T) {
	transport := &stubTransport{
		probeErr: domain.NewValidationError(domain.ReasonInvalidIdentifier, errors.New("bad format")),
	}
	f := newBotFixture(t, transport, nil)
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/add_session main not-a-credential")

	if !strings.Contains(f.bot.last(), "credential is malformed") {
		t.Errorf("Expected the failure class in the reply, got %q", f.bot.last())
	}
	sessions, _ := f.store.ListSessions(ctx, "owner-1")
	if len(sessions) != 0 {
		t.Errorf("Expected no session stored after failed validation, got %d", len(sessions))
	}
}

func TestAddSessionUsageWithoutArgs(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/add_session")

	if !strings.Contains(f.bot.last(), "Usage") {
		t.Errorf("Expected usage help, got %q", f.bot.last())
	}
}

func TestKeywordCommands(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/add_keyword invoice, urgent")
	if !strings.Contains(f.bot.last(), "Added 2") {
		t.Errorf("Expected 2 added, got %q", f.bot.last())
	}

	f.send(ctx, "owner-1", "/keywords")
	reply := f.bot.last()
	if !strings.Contains(reply, "invoice") || !strings.Contains(reply, "urgent") {
		t.Errorf("Expected both keywords listed, got %q", reply)
	}

	terms, _ := f.store.GetKeywords(ctx, "owner-1")
	f.send(ctx, "owner-1", "/del_keyword "+itoa(terms[0].ID))
	if !strings.Contains(f.bot.last(), "deleted") {
		t.Errorf("Expected delete confirmation, got %q", f.bot.last())
	}

	f.send(ctx, "owner-1", "/del_keyword abc")
	if !strings.Contains(f.bot.last(), "Invalid ID") {
		t.Errorf("Expected invalid id message, got %q", f.bot.last())
	}

	f.send(ctx, "owner-1", "/clear_keywords")
	terms, _ = f.store.GetKeywords(ctx, "owner-1")
	if len(terms) != 0 {
		t.Errorf("Expected all keywords cleared, got %d", len(terms))
	}
}

func TestExceptionCommands(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/add_exception spam,promo")
	if !strings.Contains(f.bot.last(), "Added 2") {
		t.Errorf("Expected 2 added, got %q", f.bot.last())
	}

	f.send(ctx, "owner-1", "/exceptions")
	if !strings.Contains(f.bot.last(), "spam") {
		t.Errorf("Expected exception listed, got %q", f.bot.last())
	}
}

func TestStartSessionUnknownID(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/start_session 999")

	if !strings.Contains(f.bot.last(), "not found") {
		t.Errorf("Expected a not-found reply, got %q", f.bot.last())
	}
}

func TestStopSessionNotRunning(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/stop_session 1")

	if !strings.Contains(f.bot.last(), "may not be running") {
		t.Errorf("Expected a not-running reply, got %q", f.bot.last())
	}
}

func TestMyStatsAndStatus(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/my_stats")
	if !strings.Contains(f.bot.last(), "Total messages: 0") {
		t.Errorf("Expected empty stats, got %q", f.bot.last())
	}

	f.send(ctx, "owner-1", "/status")
	if !strings.Contains(f.bot.last(), "Your ID: owner-1") {
		t.Errorf("Expected the owner id in status, got %q", f.bot.last())
	}
}

func TestMyAlertsEmpty(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/my_alerts")

	if !strings.Contains(f.bot.last(), "no alerts") {
		t.Errorf("Expected empty alerts reply, got %q", f.bot.last())
	}
}

func TestDigestDisabled(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/digest")

	if !strings.Contains(f.bot.last(), "not configured") {
		t.Errorf("Expected digest-disabled reply, got %q", f.bot.last())
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, []string{"admin-1"})
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "owner-1", "/add_user owner-2")
	if !strings.Contains(f.bot.last(), "Insufficient permissions") {
		t.Errorf("Expected permission denial, got %q", f.bot.last())
	}

	f.send(ctx, "admin-1", "/add_user owner-2")
	if !strings.Contains(f.bot.last(), "added to the whitelist") {
		t.Errorf("Expected whitelist confirmation, got %q", f.bot.last())
	}
	allowed, _ := f.store.IsAllowed(ctx, "owner-2")
	if !allowed {
		t.Error("Expected owner-2 whitelisted after /add_user")
	}

	f.send(ctx, "admin-1", "/remove_user owner-2")
	allowed, _ = f.store.IsAllowed(ctx, "owner-2")
	if allowed {
		t.Error("Expected owner-2 removed after /remove_user")
	}
}

func TestAdminCannotBeRemoved(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, []string{"admin-1", "admin-2"})

	f.send(context.Background(), "admin-1", "/remove_user admin-2")

	if !strings.Contains(f.bot.last(), "Administrators cannot be removed") {
		t.Errorf("Expected admin removal rejection, got %q", f.bot.last())
	}
	allowed, _ := f.store.IsAllowed(context.Background(), "admin-2")
	if !allowed {
		t.Error("Expected admin-2 still whitelisted")
	}
}

func TestUsersListsWhitelist(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, []string{"admin-1"})
	ctx := context.Background()
	f.allow(t, "owner-1")

	f.send(ctx, "admin-1", "/users")

	reply := f.bot.last()
	if !strings.Contains(reply, "owner-1") || !strings.Contains(reply, "admin-1") {
		t.Errorf("Expected both entries listed, got %q", reply)
	}
	if !strings.Contains(reply, "👑") {
		t.Errorf("Expected the admin marked, got %q", reply)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newBotFixture(t, &stubTransport{}, nil)
	f.allow(t, "owner-1")

	f.send(context.Background(), "owner-1", "/bogus")

	if !strings.Contains(f.bot.last(), "Unknown command") {
		t.Errorf("Expected unknown-command reply, got %q", f.bot.last())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
