// Package widget is the embeddable surface: it wires the realtime
// manager, offline queue, API client and orchestrator together and
// exposes the small API a host application programs against.
package widget

import (
	"context"
	"fmt"

	"chatwidget/pkg/api"
	"chatwidget/pkg/config"
	"chatwidget/pkg/events"
	"chatwidget/pkg/logger"
	"chatwidget/pkg/models"
	"chatwidget/pkg/orchestrator"
	"chatwidget/pkg/queue"
	"chatwidget/pkg/realtime"
)

// Widget owns one support-chat session. Construct with New, open a
// conversation with Open, and subscribe to surface events with On.
type Widget struct {
	cfg     *config.Config
	emitter *events.Emitter
	queue   *queue.Queue
	rt      *realtime.Manager
	orch    *orchestrator.Orchestrator
	sender  api.Sender
}

// New wires the session from validated configuration. The store must
// already be open (store.Open in the host binary).
func New(cfg *config.Config) (*Widget, error) {
	if cfg == nil {
		return nil, fmt.Errorf("widget: nil config")
	}
	w := &Widget{cfg: cfg, emitter: events.New()}

	q, err := queue.New(queue.Options{
		RetryCeiling: cfg.Queue.RetryCeiling,
		BackoffBase:  cfg.Queue.BackoffBase.Duration(),
		BackoffCap:   cfg.Queue.BackoffCap.Duration(),
		FlushRPS:     cfg.Queue.FlushRPS,
		FlushBurst:   cfg.Queue.FlushBurst,
	})
	if err != nil {
		return nil, err
	}
	w.queue = q

	sender, err := api.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.SendTimeout.Duration())
	if err != nil {
		return nil, err
	}
	w.sender = sender

	// handlers close over w so the orchestrator can be built after the
	// manager; they never fire before Open
	rt, err := realtime.NewManager(realtime.Options{
		Endpoint:       cfg.Realtime.Endpoint,
		AppKey:         cfg.Realtime.AppKey,
		PingInterval:   cfg.Realtime.PingInterval.Duration(),
		PongWait:       cfg.Realtime.PongWait.Duration(),
		WriteWait:      cfg.Realtime.WriteWait.Duration(),
		HandshakeWait:  cfg.Realtime.HandshakeWait.Duration(),
		MaxMessageSize: cfg.Realtime.MaxMessageSize.Int64(),
	}, realtime.Handlers{
		OnMessage:     func(im realtime.InboundMessage) { w.orch.OnRealtimeMessage(im) },
		OnTyping:      func(te models.TypingEvent) { w.orch.OnTyping(te) },
		OnPresence:    func(pe models.PresenceEvent) { w.orch.OnPresence(pe) },
		OnAgentJoined: func(ae models.AgentJoinedEvent) { w.orch.OnAgentJoined(ae) },
		OnStateChange: func(s models.ConnectionState) { w.orch.OnConnectionStateChange(s) },
	})
	if err != nil {
		return nil, err
	}
	w.rt = rt

	orch, err := orchestrator.New(sender, q, rt, w.emitter, cfg.API.SendTimeout.Duration())
	if err != nil {
		return nil, err
	}
	w.orch = orch

	if err := orch.Hydrate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Open connects the realtime transport and subscribes the
// conversation. A failed dial does not fail Open: the session starts
// offline and messages queue until the transport recovers.
func (w *Widget) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("widget: missing conversation id")
	}
	if err := w.rt.Connect(ctx); err != nil {
		logger.Warn("widget_open_offline", "conversation", conversationID, "error", err)
		return nil
	}
	return w.rt.SubscribeToConversation(conversationID)
}

// Close tears down the transport and drops every registered handler.
// Queued messages stay in the store for the next session.
func (w *Widget) Close() {
	w.rt.Disconnect()
	w.emitter.RemoveAll()
}

// SendMessage sends a text message on the conversation.
func (w *Widget) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	return w.orch.SendMessage(ctx, conversationID, content, models.ContentText, nil, nil)
}

// SendAttachment sends a message carrying one attachment; blob is the
// raw bytes held locally until the upload is confirmed.
func (w *Widget) SendAttachment(ctx context.Context, conversationID string, att models.Attachment, blob []byte) (models.Message, error) {
	ct := models.ContentFile
	if att.Type == string(models.ContentImage) {
		ct = models.ContentImage
	}
	return w.orch.SendMessage(ctx, conversationID, "", ct, []models.Attachment{att}, [][]byte{blob})
}

// Identify associates the session with a known contact.
func (w *Widget) Identify(ctx context.Context, id models.Identity) error {
	if err := w.sender.Identify(ctx, id); err != nil {
		return err
	}
	logger.Info("contact_identified", "contact_id", id.ContactID)
	return nil
}

// On registers an event handler and returns an id usable with Off.
func (w *Widget) On(t events.Type, h events.Handler) int { return w.emitter.On(t, h) }

// Off removes a handler registered with On.
func (w *Widget) Off(t events.Type, id int) { w.emitter.Off(t, id) }

// Timeline returns the conversation's messages in local order.
func (w *Widget) Timeline(conversationID string) []models.Message {
	return w.orch.Timeline(conversationID)
}

// PendingEnvelopes exposes the queue for pending/failed indicators.
func (w *Widget) PendingEnvelopes() ([]models.QueuedEnvelope, error) {
	return w.queue.PeekAll()
}

// RetryMessage puts a failed message back on the flush path.
func (w *Widget) RetryMessage(ctx context.Context, clientTempID string) error {
	return w.orch.RetryMessage(ctx, clientTempID)
}

// AbandonMessage discards a pending or failed message.
func (w *Widget) AbandonMessage(clientTempID string) error {
	return w.orch.AbandonMessage(clientTempID)
}

// FlushQueue triggers a flush pass immediately.
func (w *Widget) FlushQueue(ctx context.Context) { w.orch.FlushQueue(ctx) }

// ConnectionState reports the realtime transport state.
func (w *Widget) ConnectionState() models.ConnectionState { return w.rt.ConnectionState() }

// Reconnect re-dials the transport, typically after the host observes
// network recovery before the server does.
func (w *Widget) Reconnect(ctx context.Context) error { return w.rt.Connect(ctx) }
