package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
	"github.com/akoselev/keywatch/internal/data"
	"github.com/akoselev/keywatch/internal/service"
)

// CommandSource delivers owner command messages. Satisfied by data.LarkBot.
type CommandSource interface {
	OnMessage(handler func(msg *data.BotMessage))
	Start(ctx context.Context) error
	Stop()
}

// BotServer is the owner-facing command surface. Every reply goes through
// the notifier so the same per-recipient pacing applies to command replies
// and alerts alike.
type BotServer struct {
	source    CommandSource
	store     repo.Store
	transport repo.StreamTransport
	sup       *service.Supervisor
	notifier  *service.Notifier
	digest    *service.DigestService
	admins    map[string]bool
	log       *zap.Logger
}

// NewBotServer creates the command surface.
func NewBotServer(
	source CommandSource,
	store repo.Store,
	transport repo.StreamTransport,
	sup *service.Supervisor,
	notifier *service.Notifier,
	digest *service.DigestService,
	adminIDs []string,
	log *zap.Logger,
) *BotServer {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &BotServer{
		source:    source,
		store:     store,
		transport: transport,
		sup:       sup,
		notifier:  notifier,
		digest:    digest,
		admins:    admins,
		log:       log.Named("server"),
	}
}

// Start registers the message handler and runs the command source until the
// context ends.
func (s *BotServer) Start(ctx context.Context) error {
	s.source.OnMessage(func(msg *data.BotMessage) {
		s.HandleMessage(ctx, msg)
	})
	return s.source.Start(ctx)
}

// Stop tears down the command source.
func (s *BotServer) Stop() {
	s.source.Stop()
}

// HandleMessage routes one inbound owner message.
func (s *BotServer) HandleMessage(ctx context.Context, msg *data.BotMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return
	}

	// Every sender is registered; whether they may use the service is the
	// whitelist's call.
	if err := s.store.EnsureOwner(ctx, &domain.Owner{ID: msg.OwnerID, Handle: msg.Handle}); err != nil {
		s.log.Warn("failed to register owner", zap.String("owner", msg.OwnerID), zap.Error(err))
	}

	command := strings.Fields(text)[0]

	if command != "/start" {
		allowed, err := s.store.IsAllowed(ctx, msg.OwnerID)
		if err != nil {
			s.log.Warn("whitelist check failed", zap.String("owner", msg.OwnerID), zap.Error(err))
			return
		}
		if !allowed {
			s.reply(ctx, msg.OwnerID, "❌ Access denied. Contact the administrator.")
			return
		}
	}

	switch command {
	case "/start":
		s.cmdStart(ctx, msg)
	case "/add_session":
		s.cmdAddSession(ctx, msg)
	case "/my_sessions":
		s.cmdMySessions(ctx, msg)
	case "/start_session":
		s.cmdStartSession(ctx, msg)
	case "/stop_session":
		s.cmdStopSession(ctx, msg)
	case "/add_keyword":
		s.cmdAddTerms(ctx, msg, "keyword")
	case "/add_exception":
		s.cmdAddTerms(ctx, msg, "exception")
	case "/keywords":
		s.cmdListTerms(ctx, msg, "keyword")
	case "/exceptions":
		s.cmdListTerms(ctx, msg, "exception")
	case "/del_keyword":
		s.cmdDeleteTerm(ctx, msg, "keyword")
	case "/del_exception":
		s.cmdDeleteTerm(ctx, msg, "exception")
	case "/clear_keywords":
		s.cmdClearTerms(ctx, msg, "keyword")
	case "/clear_exceptions":
		s.cmdClearTerms(ctx, msg, "exception")
	case "/my_stats":
		s.cmdMyStats(ctx, msg)
	case "/my_alerts":
		s.cmdMyAlerts(ctx, msg)
	case "/status":
		s.cmdStatus(ctx, msg)
	case "/digest":
		s.cmdDigest(ctx, msg)
	case "/add_user":
		s.cmdAddUser(ctx, msg)
	case "/remove_user":
		s.cmdRemoveUser(ctx, msg)
	case "/users":
		s.cmdUsers(ctx, msg)
	default:
		s.reply(ctx, msg.OwnerID, "Unknown command. See /start for the command list.")
	}
}

func (s *BotServer) reply(ctx context.Context, ownerID, text string) {
	s.notifier.Send(ctx, ownerID, text)
}

func (s *BotServer) cmdStart(ctx context.Context, msg *data.BotMessage) {
	s.reply(ctx, msg.OwnerID,
		"🔍 Message stream monitoring\n\n"+
			"📋 Commands:\n"+
			"🔐 /add_session <name> <credential> - add a session\n"+
			"📁 /my_sessions - list your sessions\n"+
			"▶️ /start_session <ID> - start monitoring\n"+
			"⏹️ /stop_session <ID> - stop monitoring\n"+
			"🔍 /add_keyword word1,word2 - add keywords\n"+
			"🚫 /add_exception word1,word2 - add exceptions\n"+
			"📋 /keywords - list keywords\n"+
			"📋 /exceptions - list exceptions\n"+
			"🗑️ /del_keyword <ID> - delete a keyword\n"+
			"🗑️ /del_exception <ID> - delete an exception\n"+
			"🧹 /clear_keywords - clear all keywords\n"+
			"🧹 /clear_exceptions - clear all exceptions\n"+
			"📊 /my_stats - your statistics\n"+
			"🚨 /my_alerts - your recent alerts\n"+
			"📋 /digest - summary of recent alerts\n"+
			"👥 /add_user <ID> - whitelist a user (admin)\n"+
			"👥 /remove_user <ID> - remove a user (admin)\n"+
			"📋 /users - list whitelisted users (admin)\n"+
			"📡 /status - monitoring status")
}

func (s *BotServer) cmdAddSession(ctx context.Context, msg *data.BotMessage) {
	args := strings.SplitN(strings.TrimSpace(msg.Text), " ", 3)
	if len(args) < 3 {
		s.reply(ctx, msg.OwnerID,
			"🔐 Add a session\n\n"+
				"Usage: /add_session <name> <credential>\n\n"+
				"Example:\n/add_session my_session 1ApWapzMBu4qU7...")
		return
	}
	name := strings.TrimSpace(args[1])
	credential := strings.TrimSpace(args[2])

	identity, err := s.transport.Probe(ctx, credential)
	if err != nil {
		reason := "validation error"
		if ve, ok := domain.AsValidationError(err); ok {
			reason = ve.OwnerMessage()
		}
		s.reply(ctx, msg.OwnerID, "❌ Invalid session: "+reason)
		return
	}

	sess := &domain.WatchSession{
		OwnerID:    msg.OwnerID,
		Name:       name,
		Credential: credential,
		Active:     true,
		State:      domain.StateUnvalidated,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		s.log.Warn("failed to save session", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to save session")
		return
	}
	s.reply(ctx, msg.OwnerID,
		fmt.Sprintf("✅ Session '%s' saved (@%s)!\n\nStart monitoring with /start_session %s",
			name, identity.Handle, sess.ID))
}

func (s *BotServer) cmdMySessions(ctx context.Context, msg *data.BotMessage) {
	sessions, err := s.store.ListSessions(ctx, msg.OwnerID)
	if err != nil {
		s.log.Warn("failed to list sessions", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to list sessions")
		return
	}
	if len(sessions) == 0 {
		s.reply(ctx, msg.OwnerID, "📭 You have no saved sessions\n\nAdd one with /add_session")
		return
	}

	var sb strings.Builder
	sb.WriteString("📁 Your sessions:\n\n")
	for _, sess := range sessions {
		status := "🔴 Inactive"
		if s.sup.IsRunning(msg.OwnerID, sess.ID) {
			status = "🟢 Active"
		}
		sb.WriteString(fmt.Sprintf("🆔 %s • %s • %s\n", sess.ID, sess.Name, status))
	}
	sb.WriteString("\n▶️ Start: /start_session <ID>")
	sb.WriteString("\n⏹️ Stop: /stop_session <ID>")
	s.reply(ctx, msg.OwnerID, sb.String())
}

func (s *BotServer) cmdStartSession(ctx context.Context, msg *data.BotMessage) {
	sessionID, ok := s.argID(ctx, msg, "/start_session <session_ID>\n\nList IDs with /my_sessions")
	if !ok {
		return
	}

	err := s.sup.Start(ctx, msg.OwnerID, sessionID)
	switch {
	case err == nil:
		// Start already notified the owner of the outcome.
	case errors.Is(err, domain.ErrSessionNotFound):
		s.reply(ctx, msg.OwnerID, "❌ Session with this ID not found")
	case errors.Is(err, domain.ErrAlreadyRunning):
		s.reply(ctx, msg.OwnerID, "❌ Session is already running")
	default:
		// Validation and connection failures were reported by the
		// supervisor; nothing more to say here.
		s.log.Info("start_session failed", zap.String("owner", msg.OwnerID), zap.Error(err))
	}
}

func (s *BotServer) cmdStopSession(ctx context.Context, msg *data.BotMessage) {
	sessionID, ok := s.argID(ctx, msg, "/stop_session <session_ID>\n\nList IDs with /my_sessions")
	if !ok {
		return
	}

	if err := s.sup.Stop(ctx, msg.OwnerID, sessionID); err != nil {
		s.reply(ctx, msg.OwnerID, "❌ Could not stop the session. It may not be running")
		return
	}
	s.reply(ctx, msg.OwnerID, fmt.Sprintf("✅ Session ID %s stopped", sessionID))
}

func (s *BotServer) cmdAddTerms(ctx context.Context, msg *data.BotMessage, kind string) {
	args := strings.SplitN(strings.TrimSpace(msg.Text), " ", 2)
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Usage: /add_%s word1,word2,word3", kind))
		return
	}

	var terms []string
	for _, term := range strings.Split(args[1], ",") {
		if term = strings.TrimSpace(term); term != "" {
			terms = append(terms, term)
		}
	}

	var added int
	var err error
	if kind == "keyword" {
		added, err = s.store.AddKeywords(ctx, msg.OwnerID, terms)
	} else {
		added, err = s.store.AddExceptions(ctx, msg.OwnerID, terms)
	}
	if err != nil {
		s.log.Warn("failed to add terms", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Failed to add %ss", kind))
		return
	}
	s.reply(ctx, msg.OwnerID,
		fmt.Sprintf("✅ Added %d %s(s): %s", added, kind, strings.Join(terms, ", ")))
}

func (s *BotServer) cmdListTerms(ctx context.Context, msg *data.BotMessage, kind string) {
	var terms []domain.Term
	var err error
	if kind == "keyword" {
		terms, err = s.store.GetKeywords(ctx, msg.OwnerID)
	} else {
		terms, err = s.store.GetExceptions(ctx, msg.OwnerID)
	}
	if err != nil {
		s.log.Warn("failed to list terms", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Failed to list %ss", kind))
		return
	}

	if len(terms) == 0 {
		s.reply(ctx, msg.OwnerID,
			fmt.Sprintf("📝 You have no %ss yet\n\nAdd some: /add_%s word1,word2", kind, kind))
		return
	}

	icon := "🔍"
	if kind == "exception" {
		icon = "🚫"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s Your %ss (%d):\n\n", icon, kind, len(terms)))
	for _, t := range terms {
		sb.WriteString(fmt.Sprintf("🆔 %d • %s\n", t.ID, t.Term))
	}
	sb.WriteString(fmt.Sprintf("\n🗑️ Delete: /del_%s <ID>", kind))
	sb.WriteString(fmt.Sprintf("\n🧹 Clear all: /clear_%ss", kind))
	s.reply(ctx, msg.OwnerID, sb.String())
}

func (s *BotServer) cmdDeleteTerm(ctx context.Context, msg *data.BotMessage, kind string) {
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		s.reply(ctx, msg.OwnerID,
			fmt.Sprintf("❌ Usage: /del_%s <ID>\n\nList IDs with /%ss", kind, kind))
		return
	}
	termID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		s.reply(ctx, msg.OwnerID, "❌ Invalid ID. Use a numeric ID")
		return
	}

	if kind == "keyword" {
		err = s.store.DeleteKeyword(ctx, msg.OwnerID, termID)
	} else {
		err = s.store.DeleteException(ctx, msg.OwnerID, termID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Could not delete the %s. Check the ID", kind))
		return
	}
	if err != nil {
		s.log.Warn("failed to delete term", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Failed to delete the %s", kind))
		return
	}
	label := strings.ToUpper(kind[:1]) + kind[1:]
	s.reply(ctx, msg.OwnerID, fmt.Sprintf("✅ %s ID %d deleted", label, termID))
}

func (s *BotServer) cmdClearTerms(ctx context.Context, msg *data.BotMessage, kind string) {
	var err error
	if kind == "keyword" {
		err = s.store.ClearKeywords(ctx, msg.OwnerID)
	} else {
		err = s.store.ClearExceptions(ctx, msg.OwnerID)
	}
	if err != nil {
		s.log.Warn("failed to clear terms", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, fmt.Sprintf("❌ Failed to clear %ss", kind))
		return
	}
	s.reply(ctx, msg.OwnerID, fmt.Sprintf("✅ All %ss cleared", kind))
}

func (s *BotServer) cmdMyStats(ctx context.Context, msg *data.BotMessage) {
	stats, err := s.store.OwnerStats(ctx, msg.OwnerID)
	if err != nil {
		s.log.Warn("failed to load stats", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to load statistics")
		return
	}
	owned, _ := s.sup.Status(msg.OwnerID)

	s.reply(ctx, msg.OwnerID, fmt.Sprintf(
		"📊 Your statistics:\n\n"+
			"💬 Total messages: %d\n"+
			"🚨 Matched messages: %d\n"+
			"🔍 Keywords: %d\n"+
			"📁 Sessions: %d\n"+
			"🟢 Active sessions: %d",
		stats.TotalMessages, stats.MatchedCount, stats.KeywordCount, stats.SessionCount, owned))
}

func (s *BotServer) cmdMyAlerts(ctx context.Context, msg *data.BotMessage) {
	alerts, err := s.store.RecentMatches(ctx, msg.OwnerID, 10)
	if err != nil {
		s.log.Warn("failed to load alerts", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to load alerts")
		return
	}
	if len(alerts) == 0 {
		s.reply(ctx, msg.OwnerID, "📭 You have no alerts yet")
		return
	}

	var sb strings.Builder
	sb.WriteString("🚨 Recent alerts:\n\n")
	for i, rec := range alerts {
		excerpt := []rune(rec.Text)
		if len(excerpt) > 50 {
			excerpt = excerpt[:50]
		}
		sb.WriteString(fmt.Sprintf("%d. 📱 %s\n", i+1, rec.ChatName))
		sb.WriteString(fmt.Sprintf("   👤 %s\n", rec.SenderHandle))
		sb.WriteString(fmt.Sprintf("   🔍 %s\n", strings.Join(rec.MatchedTerms, ", ")))
		sb.WriteString(fmt.Sprintf("   💬 %s...\n", string(excerpt)))
		sb.WriteString(fmt.Sprintf("   🕒 %s\n\n", rec.CreatedAt.Format("2006-01-02 15:04:05")))
	}

	text := sb.String()
	if len(text) > 4000 {
		text = text[:4000]
	}
	s.reply(ctx, msg.OwnerID, text)
}

func (s *BotServer) cmdStatus(ctx context.Context, msg *data.BotMessage) {
	owned, total := s.sup.Status(msg.OwnerID)
	s.reply(ctx, msg.OwnerID, fmt.Sprintf(
		"📡 Monitoring status:\n\n"+
			"🟢 Your active sessions: %d\n"+
			"🌐 Total active sessions: %d\n"+
			"👤 Your ID: %s",
		owned, total, msg.OwnerID))
}

func (s *BotServer) cmdDigest(ctx context.Context, msg *data.BotMessage) {
	if s.digest == nil || !s.digest.Enabled() {
		s.reply(ctx, msg.OwnerID, "📋 Digest is not configured on this instance")
		return
	}
	summary, err := s.digest.DigestFor(ctx, msg.OwnerID)
	if err != nil {
		s.log.Warn("digest failed", zap.String("owner", msg.OwnerID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to build the digest")
		return
	}
	if summary == "" {
		s.reply(ctx, msg.OwnerID, "📭 No recent alerts to summarize")
		return
	}
	s.reply(ctx, msg.OwnerID, "📋 Alert digest\n\n"+summary)
}

func (s *BotServer) cmdAddUser(ctx context.Context, msg *data.BotMessage) {
	if !s.admins[msg.OwnerID] {
		s.reply(ctx, msg.OwnerID, "❌ Insufficient permissions")
		return
	}
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		s.reply(ctx, msg.OwnerID, "❌ Usage: /add_user <user_ID>")
		return
	}
	newID := args[1]

	err := s.store.AddAllowed(ctx, &domain.AllowedUser{
		OwnerID: newID,
		Handle:  "user_" + newID,
		AddedBy: msg.OwnerID,
	})
	if err != nil {
		s.log.Warn("failed to whitelist user", zap.String("target", newID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to add the user")
		return
	}
	s.reply(ctx, msg.OwnerID, fmt.Sprintf("✅ User %s added to the whitelist", newID))
}

func (s *BotServer) cmdRemoveUser(ctx context.Context, msg *data.BotMessage) {
	if !s.admins[msg.OwnerID] {
		s.reply(ctx, msg.OwnerID, "❌ Insufficient permissions")
		return
	}
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		s.reply(ctx, msg.OwnerID, "❌ Usage: /remove_user <user_ID>")
		return
	}
	targetID := args[1]

	if s.admins[targetID] {
		s.reply(ctx, msg.OwnerID, "❌ Administrators cannot be removed")
		return
	}
	if err := s.store.RemoveAllowed(ctx, targetID); err != nil {
		s.log.Warn("failed to remove user", zap.String("target", targetID), zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to remove the user")
		return
	}
	s.reply(ctx, msg.OwnerID, fmt.Sprintf("✅ User %s removed from the whitelist", targetID))
}

func (s *BotServer) cmdUsers(ctx context.Context, msg *data.BotMessage) {
	if !s.admins[msg.OwnerID] {
		s.reply(ctx, msg.OwnerID, "❌ Insufficient permissions")
		return
	}
	users, err := s.store.ListAllowed(ctx)
	if err != nil {
		s.log.Warn("failed to list users", zap.Error(err))
		s.reply(ctx, msg.OwnerID, "❌ Failed to list users")
		return
	}
	if len(users) == 0 {
		s.reply(ctx, msg.OwnerID, "📝 No whitelisted users")
		return
	}

	var sb strings.Builder
	sb.WriteString("👥 Whitelisted users:\n\n")
	for _, u := range users {
		adminMark := ""
		if s.admins[u.OwnerID] {
			adminMark = " 👑"
		}
		sb.WriteString(fmt.Sprintf("🆔 %s • @%s%s\n", u.OwnerID, u.Handle, adminMark))
	}
	s.reply(ctx, msg.OwnerID, sb.String())
}

// argID extracts the single id argument shared by the session commands.
func (s *BotServer) argID(ctx context.Context, msg *data.BotMessage, usage string) (string, bool) {
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		s.reply(ctx, msg.OwnerID, "❌ Usage: "+usage)
		return "", false
	}
	if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
		s.reply(ctx, msg.OwnerID, "❌ Invalid ID. Use a numeric ID")
		return "", false
	}
	return args[1], true
}
