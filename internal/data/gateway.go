package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"
)

// Wire frames exchanged with the stream gateway. The client identifies with
// its credential, the gateway answers with an identity or a classified error,
// then pushes message frames for as long as the subscription lives.
type gatewayFrame struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Handle   string `json:"handle,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Text     string `json:"text,omitempty"`
	TS       int64  `json:"ts,omitempty"`
}

type identifyFrame struct {
	Type       string `json:"type"`
	Credential string `json:"credential"`
}

var reasonCodes = map[string]domain.ValidationReason{
	"auth_expired":        domain.ReasonAuthExpired,
	"two_factor_required": domain.ReasonTwoFactorRequired,
	"invalid_identifier":  domain.ReasonInvalidIdentifier,
}

// GatewayTransport implements repo.StreamTransport against a websocket
// stream gateway. Display metadata is resolved over the gateway's REST
// sibling endpoints, keeping the websocket read loop free of request
// multiplexing.
type GatewayTransport struct {
	wsURL   string
	httpURL string
	dialer  *websocket.Dialer
	httpc   *http.Client
	log     *zap.Logger
}

// NewGatewayTransport builds a transport for the given ws:// or wss:// URL.
func NewGatewayTransport(rawURL string, log *zap.Logger) (*GatewayTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gateway url: %w", err)
	}

	httpU := *u
	switch u.Scheme {
	case "ws":
		httpU.Scheme = "http"
	case "wss":
		httpU.Scheme = "https"
	default:
		return nil, fmt.Errorf("gateway url must be ws:// or wss://, got %q", u.Scheme)
	}

	return &GatewayTransport{
		wsURL:   rawURL,
		httpURL: strings.TrimRight(httpU.String(), "/"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		httpc:   &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("gateway"),
	}, nil
}

// Probe performs a short connect-and-identify check of a credential.
func (t *GatewayTransport) Probe(ctx context.Context, credential string) (*domain.Identity, error) {
	conn, identity, err := t.dialAndIdentify(ctx, credential)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return identity, nil
}

// Open establishes the long-lived subscription.
func (t *GatewayTransport) Open(ctx context.Context, credential string) (repo.Subscription, error) {
	conn, identity, err := t.dialAndIdentify(ctx, credential)
	if err != nil {
		return nil, err
	}

	sub := &gatewaySubscription{
		id:        uuid.NewString(),
		transport: t,
		conn:      conn,
		identity:  identity,
		events:    make(chan domain.InboundEvent),
		done:      make(chan struct{}),
	}
	sub.log = t.log.With(
		zap.String("subscription", sub.id),
		zap.String("handle", identity.Handle))
	go sub.readLoop()
	return sub, nil
}

func (t *GatewayTransport) dialAndIdentify(ctx context.Context, credential string) (*websocket.Conn, *domain.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, nil, domain.NewValidationError(domain.ReasonInvalidIdentifier, fmt.Errorf("empty credential"))
	}

	conn, _, err := t.dialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return nil, nil, domain.NewValidationError(domain.ReasonUnknown, fmt.Errorf("gateway dial: %w", err))
	}

	if err := conn.WriteJSON(identifyFrame{Type: "identify", Credential: credential}); err != nil {
		conn.Close()
		return nil, nil, domain.NewValidationError(domain.ReasonUnknown, fmt.Errorf("send identify: %w", err))
	}

	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var frame gatewayFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, nil, domain.NewValidationError(domain.ReasonUnknown, fmt.Errorf("read identity: %w", err))
	}
	conn.SetReadDeadline(time.Time{})

	switch frame.Type {
	case "identity":
		return conn, &domain.Identity{Handle: frame.Handle}, nil
	case "error":
		conn.Close()
		reason, ok := reasonCodes[frame.Code]
		if !ok {
			reason = domain.ReasonUnknown
		}
		return nil, nil, domain.NewValidationError(reason, fmt.Errorf("gateway rejected credential: %s", frame.Code))
	default:
		conn.Close()
		return nil, nil, domain.NewValidationError(domain.ReasonUnknown, fmt.Errorf("unexpected frame %q during identify", frame.Type))
	}
}

// gatewaySubscription is one live websocket subscription.
type gatewaySubscription struct {
	id        string
	transport *GatewayTransport
	conn      *websocket.Conn
	identity  *domain.Identity
	events    chan domain.InboundEvent
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// Events returns the inbound event channel. Closed on disconnect.
func (s *gatewaySubscription) Events() <-chan domain.InboundEvent {
	return s.events
}

func (s *gatewaySubscription) readLoop() {
	defer close(s.events)

	for {
		var frame gatewayFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
				// Requested close, not a transport loss.
			default:
				s.log.Warn("subscription lost", zap.Error(err))
			}
			return
		}

		if frame.Type != "message" {
			continue
		}

		arrived := time.Now()
		if frame.TS > 0 {
			arrived = time.Unix(frame.TS, 0)
		}

		select {
		case s.events <- domain.InboundEvent{
			ChatID:    frame.ChatID,
			SenderID:  frame.SenderID,
			Text:      frame.Text,
			ArrivedAt: arrived,
		}:
		case <-s.done:
			return
		}
	}
}

// ResolveChat resolves display metadata for a chat.
func (s *gatewaySubscription) ResolveChat(ctx context.Context, chatID string) (string, domain.SourceKind, error) {
	var out struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := s.transport.getJSON(ctx, "/chats/"+url.PathEscape(chatID), &out); err != nil {
		return "", "", fmt.Errorf("resolve chat %s: %w", chatID, err)
	}
	kind := domain.SourceGroup
	if out.Kind == "channel" {
		kind = domain.SourceBroadcast
	}
	return out.Name, kind, nil
}

// ResolveSender resolves a sender id to a display handle.
func (s *gatewaySubscription) ResolveSender(ctx context.Context, senderID string) (string, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	if err := s.transport.getJSON(ctx, "/users/"+url.PathEscape(senderID), &out); err != nil {
		return "", fmt.Errorf("resolve sender %s: %w", senderID, err)
	}
	return out.Handle, nil
}

// Close releases the subscription. Idempotent.
func (s *gatewaySubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		// Best-effort close handshake; the read loop exits on the
		// connection teardown either way.
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

func (t *GatewayTransport) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.httpURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
