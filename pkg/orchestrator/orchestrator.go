// Package orchestrator coordinates the send path: optimistic timeline
// updates, direct send when the realtime transport is up, queue
// routing when it is not, and reconciliation of realtime echoes back
// onto the optimistic entries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatwidget/pkg/api"
	"chatwidget/pkg/events"
	"chatwidget/pkg/logger"
	"chatwidget/pkg/models"
	"chatwidget/pkg/queue"
	"chatwidget/pkg/realtime"
	"chatwidget/pkg/store"
)

// reconcileWindow bounds the content-match fallback when a realtime
// echo arrives without a client temp id.
const reconcileWindow = 10 * time.Second

// ConnectionStater is the slice of the realtime manager the
// orchestrator needs: current transport state, nothing else.
type ConnectionStater interface {
	IsConnected() bool
	ConnectionState() models.ConnectionState
}

// Orchestrator routes outbound messages between the direct send path
// and the offline queue, and keeps the optimistic timeline consistent
// with what the server confirms.
type Orchestrator struct {
	sender      api.Sender
	queue       *queue.Queue
	conn        ConnectionStater
	emitter     *events.Emitter
	sendTimeout time.Duration

	mu       sync.Mutex
	timeline map[string][]models.Message // conversation id -> ordered messages
}

// New builds an Orchestrator. The send timeout must be non-zero
// (applied by config.ValidateConfig).
func New(sender api.Sender, q *queue.Queue, conn ConnectionStater, em *events.Emitter, sendTimeout time.Duration) (*Orchestrator, error) {
	if sender == nil || q == nil || conn == nil || em == nil {
		return nil, fmt.Errorf("orchestrator missing collaborator")
	}
	if sendTimeout <= 0 {
		return nil, fmt.Errorf("orchestrator missing send_timeout; ensure config.ValidateConfig() applied defaults")
	}
	return &Orchestrator{
		sender:      sender,
		queue:       q,
		conn:        conn,
		emitter:     em,
		sendTimeout: sendTimeout,
		timeline:    make(map[string][]models.Message),
	}, nil
}

// Hydrate loads persisted envelopes into the timeline so a restarted
// session shows its pending and failed messages before any network
// activity happens.
func (o *Orchestrator) Hydrate() error {
	envs, err := o.queue.PeekAll()
	if err != nil {
		return fmt.Errorf("hydrate timeline: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, env := range envs {
		o.timeline[env.Message.ConversationID] = append(o.timeline[env.Message.ConversationID], env.Message)
	}
	if len(envs) > 0 {
		logger.Info("timeline_hydrated", "envelopes", len(envs))
	}
	return nil
}

// SendMessage is the single outbound entry point. The message appears
// on the timeline immediately with a fresh client temp id; delivery
// then proceeds directly or via the queue depending on transport state.
// The returned Message is the optimistic entry (status pending or
// sending), not the confirmed one.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, content string, contentType models.ContentType, attachments []models.Attachment, blobs [][]byte) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("send: missing conversation id")
	}
	if content == "" && len(attachments) == 0 {
		return models.Message{}, fmt.Errorf("send: empty message")
	}
	if contentType == "" {
		contentType = models.ContentText
	}

	msg := models.Message{
		ClientTempID:   uuid.NewString(),
		ConversationID: conversationID,
		SenderType:     models.SenderContact,
		Content:        content,
		ContentType:    contentType,
		Attachments:    attachments,
		Status:         models.StatusPending,
		CreatedAt:      time.Now().UTC().UnixNano(),
	}
	// blob keys are assigned up front so the timeline entry can resolve
	// pending attachment bytes, not just the queued envelope
	for i := range blobs {
		if i < len(msg.Attachments) && msg.Attachments[i].URL == "" {
			msg.Attachments[i].BlobKey = store.BlobKey(msg.ClientTempID, i)
		}
	}

	o.mu.Lock()
	o.timeline[conversationID] = append(o.timeline[conversationID], msg)
	o.mu.Unlock()
	o.emitter.Emit(events.Message, msg)

	if !o.conn.IsConnected() {
		logger.Info("send_queued_offline", "client_temp_id", msg.ClientTempID,
			"state", string(o.conn.ConnectionState()))
		return msg, o.enqueue(msg, blobs)
	}

	o.setStatus(msg.ClientTempID, models.StatusSending)
	sctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	confirmed, err := o.sender.SendMessage(sctx, outboundFrom(msg))
	if err != nil {
		// every direct-send failure is recoverable: the message falls
		// back to the queue and rides the retry path from there
		logger.Warn("send_direct_failed", "client_temp_id", msg.ClientTempID, "error", err)
		o.setStatus(msg.ClientTempID, models.StatusPending)
		o.emitter.Emit(events.MessageFailed, msg)
		return msg, o.enqueue(msg, blobs)
	}
	o.confirm(msg.ClientTempID, confirmed, models.StatusSent)
	return msg, nil
}

func (o *Orchestrator) enqueue(msg models.Message, blobs [][]byte) error {
	env := models.QueuedEnvelope{
		ClientTempID: msg.ClientTempID,
		Message:      msg,
		QueuedAt:     time.Now().UTC().UnixNano(),
	}
	if err := o.queue.Enqueue(env, blobs); err != nil {
		// a message that is neither sent nor persisted must surface as
		// failed, never vanish
		o.setStatus(msg.ClientTempID, models.StatusFailed)
		o.emitter.Emit(events.MessageFailed, msg)
		return fmt.Errorf("queue message %s: %w", msg.ClientTempID, err)
	}
	return nil
}

// sendEnvelope is the queue's SendFunc: flushed sends reuse the exact
// same outbound call as live sends, including confirmation bookkeeping.
func (o *Orchestrator) sendEnvelope(ctx context.Context, env models.QueuedEnvelope) error {
	sctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	confirmed, err := o.sender.SendMessage(sctx, outboundFrom(env.Message))
	if err != nil {
		return err
	}
	o.confirm(env.ClientTempID, confirmed, models.StatusSent)
	return nil
}

// FlushQueue runs one flush pass and publishes the summary. A pass
// already in flight is a silent no-op: the running pass owns every
// envelope, including any enqueued after it started listing.
func (o *Orchestrator) FlushQueue(ctx context.Context) {
	ev, err := o.queue.Flush(ctx, o.sendEnvelope)
	if err != nil {
		if errors.Is(err, queue.ErrFlushInFlight) {
			logger.Debug("flush_skipped_in_flight")
			return
		}
		logger.Error("flush_failed", "error", err)
		return
	}
	// dead envelopes surface through the timeline status, not the event
	o.syncDeadFromQueue()
	o.emitter.Emit(events.QueueFlushed, ev)
}

// OnConnectionStateChange is wired to the realtime manager. Regaining
// the connected state triggers an automatic flush.
func (o *Orchestrator) OnConnectionStateChange(s models.ConnectionState) {
	o.emitter.Emit(events.ConnectionStateChanged, s)
	if s == models.StateConnected {
		go o.FlushQueue(context.Background())
	}
}

// OnRealtimeMessage reconciles an inbound channel event against the
// optimistic timeline. Echoes of our own sends update the existing
// entry in place; everything else appends.
func (o *Orchestrator) OnRealtimeMessage(im realtime.InboundMessage) {
	status := models.StatusSent
	if im.ExternalStatus == string(models.StatusDelivered) {
		status = models.StatusDelivered
	}

	o.mu.Lock()
	idx, ok := o.matchLocked(im)
	if ok {
		msgs := o.timeline[im.Message.ConversationID]
		m := &msgs[idx]
		if im.Message.ID != "" {
			m.ID = im.Message.ID
		}
		// an echo for a message the server already confirmed is the
		// delivery signal
		if m.Status == models.StatusSent && status == models.StatusSent {
			status = models.StatusDelivered
		}
		// duplicate or late echoes never move a message backwards
		if statusRank(status) > statusRank(m.Status) {
			m.Status = status
		}
		if m.ConfirmedAt == 0 {
			m.ConfirmedAt = im.Message.CreatedAt
		}
		if len(im.Message.Attachments) > 0 {
			m.Attachments = im.Message.Attachments
		}
		updated := *m
		o.mu.Unlock()
		// the server has the message; a queued copy must not be resent
		if err := o.queue.Remove(updated.ClientTempID); err != nil {
			logger.Warn("reconcile_dequeue_failed", "client_temp_id", updated.ClientTempID, "error", err)
		}
		o.emitter.Emit(events.Message, updated)
		return
	}
	inbound := im.Message
	inbound.Status = status
	inbound.ConfirmedAt = im.Message.CreatedAt
	o.timeline[inbound.ConversationID] = append(o.timeline[inbound.ConversationID], inbound)
	o.mu.Unlock()
	o.emitter.Emit(events.Message, inbound)
}

// statusRank orders the delivery ladder. Reconciliation only ever
// moves a message forward along it; failed ranks at the bottom because
// a matching echo proves the server has the message after all.
func statusRank(s models.MessageStatus) int {
	switch s {
	case models.StatusPending:
		return 1
	case models.StatusSending:
		return 2
	case models.StatusSent:
		return 3
	case models.StatusDelivered:
		return 4
	}
	return 0
}

// matchLocked finds the timeline entry an inbound event confirms. The
// client temp id is authoritative; when absent, an unconfirmed entry
// with the same sender type and identical content within the reconcile
// window is accepted. Callers hold o.mu.
func (o *Orchestrator) matchLocked(im realtime.InboundMessage) (int, bool) {
	msgs := o.timeline[im.Message.ConversationID]
	if im.Message.ClientTempID != "" {
		for i := range msgs {
			if msgs[i].ClientTempID == im.Message.ClientTempID {
				return i, true
			}
		}
		return 0, false
	}
	for i := range msgs {
		m := &msgs[i]
		if m.ID != "" || m.SenderType != im.Message.SenderType || m.Content != im.Message.Content {
			continue
		}
		delta := im.Message.CreatedAt - m.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta) <= reconcileWindow {
			return i, true
		}
	}
	return 0, false
}

// OnTyping forwards a typing event to the host surface.
func (o *Orchestrator) OnTyping(te models.TypingEvent) {
	o.emitter.Emit(events.Typing, te)
}

// OnPresence forwards a presence event to the host surface.
func (o *Orchestrator) OnPresence(pe models.PresenceEvent) {
	o.emitter.Emit(events.Presence, pe)
}

// OnAgentJoined forwards an agent-joined event to the host surface.
func (o *Orchestrator) OnAgentJoined(ae models.AgentJoinedEvent) {
	o.emitter.Emit(events.AgentJoined, ae)
}

// RetryMessage puts a failed message back on the automatic flush path
// and, when the transport is up, flushes immediately.
func (o *Orchestrator) RetryMessage(ctx context.Context, clientTempID string) error {
	if err := o.queue.Revive(clientTempID); err != nil {
		return fmt.Errorf("retry %s: %w", clientTempID, err)
	}
	o.setStatus(clientTempID, models.StatusPending)
	if o.conn.IsConnected() {
		go o.FlushQueue(ctx)
	}
	return nil
}

// AbandonMessage gives up on a pending or failed message: removed from
// the queue, kept on the timeline as failed so the UI can still render
// it with a permanent-failure affordance.
func (o *Orchestrator) AbandonMessage(clientTempID string) error {
	if err := o.queue.Remove(clientTempID); err != nil {
		return fmt.Errorf("abandon %s: %w", clientTempID, err)
	}
	o.setStatus(clientTempID, models.StatusFailed)
	logger.Info("message_abandoned", "client_temp_id", clientTempID)
	return nil
}

// Timeline returns a copy of a conversation's messages in local order.
func (o *Orchestrator) Timeline(conversationID string) []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.timeline[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// confirm applies a server confirmation to the optimistic entry.
func (o *Orchestrator) confirm(clientTempID string, confirmed models.Message, status models.MessageStatus) {
	o.mu.Lock()
	var updated models.Message
	found := false
	for conv := range o.timeline {
		msgs := o.timeline[conv]
		for i := range msgs {
			if msgs[i].ClientTempID == clientTempID {
				m := &msgs[i]
				m.ID = confirmed.ID
				m.Status = status
				if confirmed.ConfirmedAt != 0 {
					m.ConfirmedAt = confirmed.ConfirmedAt
				} else if confirmed.CreatedAt != 0 {
					m.ConfirmedAt = confirmed.CreatedAt
				}
				if len(confirmed.Attachments) > 0 {
					m.Attachments = confirmed.Attachments
				}
				updated = *m
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	o.mu.Unlock()
	if found {
		o.emitter.Emit(events.Message, updated)
	}
}

func (o *Orchestrator) setStatus(clientTempID string, status models.MessageStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, msgs := range o.timeline {
		for i := range msgs {
			if msgs[i].ClientTempID == clientTempID {
				msgs[i].Status = status
				return
			}
		}
	}
}

// syncDeadFromQueue reflects envelopes that crossed the retry ceiling
// during a flush pass into timeline statuses.
func (o *Orchestrator) syncDeadFromQueue() {
	envs, err := o.queue.PeekAll()
	if err != nil {
		return
	}
	for _, env := range envs {
		if env.Dead {
			o.setStatus(env.ClientTempID, models.StatusFailed)
			o.emitter.Emit(events.MessageFailed, env.Message)
		}
	}
}

func outboundFrom(msg models.Message) api.OutboundMessage {
	return api.OutboundMessage{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		Attachments:    msg.Attachments,
		ClientTempID:   msg.ClientTempID,
	}
}
