package data

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"
)

// BotMessage is one inbound command message from an owner.
type BotMessage struct {
	OwnerID string // sender open id, the owner identifier everywhere else
	Handle  string
	Text    string
}

// LarkBot is the messaging-bot transport: owners talk to the service through
// it, and alerts flow back out through Deliver. Inbound events arrive over
// the SDK's websocket connection.
type LarkBot struct {
	appID     string
	appSecret string
	cli       *lark.Client
	wsCli     *larkws.Client
	onMessage func(msg *BotMessage)
	cancel    context.CancelFunc
	log       *zap.Logger
}

// NewLarkBot creates the bot transport.
func NewLarkBot(appID, appSecret string, log *zap.Logger) *LarkBot {
	return &LarkBot{
		appID:     appID,
		appSecret: appSecret,
		cli:       lark.NewClient(appID, appSecret),
		log:       log.Named("bot"),
	}
}

// OnMessage registers the inbound command handler. Must be called before
// Start.
func (b *LarkBot) OnMessage(handler func(msg *BotMessage)) {
	b.onMessage = handler
}

// Start connects the event websocket and blocks until the context ends.
func (b *LarkBot) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			b.handleMessage(event)
			return nil
		})

	b.wsCli = larkws.NewClient(b.appID, b.appSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	b.log.Info("starting bot websocket connection")
	return b.wsCli.Start(ctx)
}

// Stop tears down the websocket connection.
func (b *LarkBot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *LarkBot) handleMessage(event *larkim.P2MessageReceiveV1) {
	msg := event.Event.Message
	if msg == nil || msg.MessageType == nil || *msg.MessageType != "text" {
		return
	}

	var textContent struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(*msg.Content), &textContent); err != nil {
		b.log.Warn("failed to parse message content", zap.Error(err))
		return
	}

	senderID := ""
	if s := event.Event.Sender; s != nil && s.SenderId != nil && s.SenderId.OpenId != nil {
		senderID = *s.SenderId.OpenId
	}
	if senderID == "" {
		return
	}

	if b.onMessage != nil {
		b.onMessage(&BotMessage{
			OwnerID: senderID,
			Handle:  "user_" + senderID,
			Text:    textContent.Text,
		})
	}
}

// Deliver sends one text message to an owner.
func (b *LarkBot) Deliver(ctx context.Context, recipient, text string) error {
	content := map[string]string{"text": text}
	contentJSON, _ := json.Marshal(content)

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(recipient).
			MsgType(larkim.MsgTypeText).
			Content(string(contentJSON)).
			Build()).
		Build()

	resp, err := b.cli.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("send message error: %s", resp.Msg)
	}
	return nil
}
