package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatwidget/pkg/api"
	"chatwidget/pkg/events"
	"chatwidget/pkg/models"
	"chatwidget/pkg/queue"
	"chatwidget/pkg/realtime"
	"chatwidget/pkg/store"
)

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []api.OutboundMessage
}

func (f *fakeSender) SendMessage(_ context.Context, out api.OutboundMessage) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return models.Message{}, &api.SendError{StatusCode: 503}
	}
	f.sent = append(f.sent, out)
	return models.Message{
		ID:             "srv-" + out.ClientTempID,
		ClientTempID:   out.ClientTempID,
		ConversationID: out.ConversationID,
		Content:        out.Content,
		ContentType:    out.ContentType,
		Status:         models.StatusSent,
		ConfirmedAt:    time.Now().UTC().UnixNano(),
	}, nil
}

func (f *fakeSender) Identify(context.Context, models.Identity) error { return nil }

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type fakeConn struct{ state models.ConnectionState }

func (c *fakeConn) IsConnected() bool { return c.state == models.StateConnected }

func (c *fakeConn) ConnectionState() models.ConnectionState { return c.state }

func newTestOrchestrator(t *testing.T, conn *fakeConn) (*Orchestrator, *fakeSender, *events.Emitter) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q, err := queue.New(queue.Options{
		RetryCeiling: 5,
		BackoffBase:  time.Second,
		BackoffCap:   8 * time.Second,
		FlushRPS:     1000,
		FlushBurst:   100,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	sender := &fakeSender{}
	em := events.New()
	o, err := New(sender, q, conn, em, time.Second)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, sender, em
}

func TestOfflineSendQueuesPending(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateDisconnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "hi there", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ClientTempID == "" || msg.Status != models.StatusPending {
		t.Fatalf("optimistic entry wrong: %+v", msg)
	}
	envs, err := o.queue.PeekAll()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(envs) != 1 || envs[0].ClientTempID != msg.ClientTempID {
		t.Fatalf("message not queued: %+v", envs)
	}
	tl := o.Timeline("conv-1")
	if len(tl) != 1 || tl[0].Status != models.StatusPending {
		t.Fatalf("timeline wrong: %+v", tl)
	}
}

func TestOnlineSendConfirms(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "hello", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tl := o.Timeline("conv-1")
	if len(tl) != 1 {
		t.Fatalf("timeline size %d", len(tl))
	}
	if tl[0].Status != models.StatusSent || tl[0].ID != "srv-"+msg.ClientTempID {
		t.Fatalf("confirmation not applied: %+v", tl[0])
	}
	envs, _ := o.queue.PeekAll()
	if len(envs) != 0 {
		t.Fatalf("direct send must not queue: %+v", envs)
	}
}

func TestDirectSendFailureFallsBackToQueue(t *testing.T) {
	o, sender, em := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})
	sender.setFail(true)

	var mu sync.Mutex
	var failures []models.Message
	em.On(events.MessageFailed, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, payload.(models.Message))
	})

	msg, err := o.SendMessage(context.Background(), "conv-1", "lost packet", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("fallback path must not error: %v", err)
	}
	envs, _ := o.queue.PeekAll()
	if len(envs) != 1 || envs[0].ClientTempID != msg.ClientTempID {
		t.Fatalf("failed send not queued: %+v", envs)
	}
	tl := o.Timeline("conv-1")
	if tl[0].Status != models.StatusPending {
		t.Fatalf("status after fallback = %s, want pending", tl[0].Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("expected one messageFailed event, got %d", len(failures))
	}
}

func TestFlushConfirmsQueuedMessages(t *testing.T) {
	conn := &fakeConn{state: models.StateDisconnected}
	o, _, em := newTestOrchestrator(t, conn)

	var mu sync.Mutex
	var flushed []models.QueueFlushedEvent
	em.On(events.QueueFlushed, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, payload.(models.QueueFlushedEvent))
	})

	if _, err := o.SendMessage(context.Background(), "conv-1", "queued one", models.ContentText, nil, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := o.SendMessage(context.Background(), "conv-1", "queued two", models.ContentText, nil, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.state = models.StateConnected
	o.FlushQueue(context.Background())

	envs, _ := o.queue.PeekAll()
	if len(envs) != 0 {
		t.Fatalf("queue not drained: %+v", envs)
	}
	tl := o.Timeline("conv-1")
	if len(tl) != 2 {
		t.Fatalf("timeline size %d", len(tl))
	}
	for _, m := range tl {
		if m.Status != models.StatusSent || m.ID == "" {
			t.Fatalf("flushed message not confirmed: %+v", m)
		}
	}
	if tl[0].Content != "queued one" || tl[1].Content != "queued two" {
		t.Fatalf("order lost: %+v", tl)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || flushed[0].Sent != 2 {
		t.Fatalf("flush summary: %+v", flushed)
	}
}

func TestReconcileByClientTempID(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "echo me", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	o.OnRealtimeMessage(realtime.InboundMessage{
		Message: models.Message{
			ID:             "srv-" + msg.ClientTempID,
			ClientTempID:   msg.ClientTempID,
			ConversationID: "conv-1",
			SenderType:     models.SenderContact,
			Content:        "echo me",
			ContentType:    models.ContentText,
			CreatedAt:      time.Now().UTC().UnixNano(),
		},
		ExternalStatus: "delivered",
	})

	tl := o.Timeline("conv-1")
	if len(tl) != 1 {
		t.Fatalf("echo duplicated the message: %+v", tl)
	}
	if tl[0].Status != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", tl[0].Status)
	}
}

func TestReconcileContentFallback(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateDisconnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "no temp id echo", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// echo without a client temp id: matched by sender, content and time
	o.OnRealtimeMessage(realtime.InboundMessage{
		Message: models.Message{
			ID:             "srv-123",
			ConversationID: "conv-1",
			SenderType:     models.SenderContact,
			Content:        "no temp id echo",
			ContentType:    models.ContentText,
			CreatedAt:      msg.CreatedAt + int64(2*time.Second),
		},
	})

	tl := o.Timeline("conv-1")
	if len(tl) != 1 {
		t.Fatalf("fallback match failed, duplicate appended: %+v", tl)
	}
	if tl[0].ID != "srv-123" || tl[0].Status != models.StatusSent {
		t.Fatalf("fallback reconcile not applied: %+v", tl[0])
	}
	// the server already has it: the queued copy must not be resent
	envs, _ := o.queue.PeekAll()
	if len(envs) != 0 {
		t.Fatalf("confirmed message still queued: %+v", envs)
	}
}

func TestInboundAgentMessageAppends(t *testing.T) {
	o, _, em := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})

	var mu sync.Mutex
	var got []models.Message
	em.On(events.Message, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload.(models.Message))
	})

	o.OnRealtimeMessage(realtime.InboundMessage{
		Message: models.Message{
			ID:             "srv-agent-1",
			ConversationID: "conv-1",
			SenderType:     models.SenderAgent,
			SenderName:     "Dana",
			Content:        "how can I help?",
			ContentType:    models.ContentText,
			CreatedAt:      time.Now().UTC().UnixNano(),
		},
	})

	tl := o.Timeline("conv-1")
	if len(tl) != 1 || tl[0].SenderType != models.SenderAgent {
		t.Fatalf("agent message not appended: %+v", tl)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("message event not emitted: %d", len(got))
	}
}

func TestAbandonDequeuesAndMarksFailed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateDisconnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "changed my mind", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := o.AbandonMessage(msg.ClientTempID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	tl := o.Timeline("conv-1")
	if len(tl) != 1 || tl[0].Status != models.StatusFailed {
		t.Fatalf("abandoned message should stay failed on the timeline: %+v", tl)
	}
	envs, _ := o.queue.PeekAll()
	if len(envs) != 0 {
		t.Fatalf("queue still holds abandoned message: %+v", envs)
	}
}

func TestEchoNeverRegressesStatus(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "stay delivered", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	echo := realtime.InboundMessage{
		Message: models.Message{
			ID:             "srv-" + msg.ClientTempID,
			ClientTempID:   msg.ClientTempID,
			ConversationID: "conv-1",
			SenderType:     models.SenderContact,
			Content:        "stay delivered",
			ContentType:    models.ContentText,
			CreatedAt:      time.Now().UTC().UnixNano(),
		},
		ExternalStatus: "delivered",
	}
	o.OnRealtimeMessage(echo)
	if tl := o.Timeline("conv-1"); tl[0].Status != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", tl[0].Status)
	}

	// a duplicate echo without the delivery marker must not demote
	echo.ExternalStatus = ""
	o.OnRealtimeMessage(echo)
	tl := o.Timeline("conv-1")
	if len(tl) != 1 {
		t.Fatalf("duplicate echo appended: %+v", tl)
	}
	if tl[0].Status != models.StatusDelivered {
		t.Fatalf("status regressed: delivered -> %s", tl[0].Status)
	}
}

func TestPlainEchoAfterSentMeansDelivered(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateConnected})

	msg, err := o.SendMessage(context.Background(), "conv-1", "confirmed twice", models.ContentText, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// the direct send already confirmed it; the channel echo is the
	// delivery signal even without an explicit status
	o.OnRealtimeMessage(realtime.InboundMessage{
		Message: models.Message{
			ID:             "srv-" + msg.ClientTempID,
			ClientTempID:   msg.ClientTempID,
			ConversationID: "conv-1",
			SenderType:     models.SenderContact,
			Content:        "confirmed twice",
			ContentType:    models.ContentText,
			CreatedAt:      time.Now().UTC().UnixNano(),
		},
	})
	if tl := o.Timeline("conv-1"); tl[0].Status != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", tl[0].Status)
	}
}

// gatedSender holds its first call open until released so tests can
// interleave resolutions out of send order.
type gatedSender struct {
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedSender) SendMessage(_ context.Context, out api.OutboundMessage) (models.Message, error) {
	if out.Content == "first" {
		close(g.entered)
		<-g.gate
	}
	return models.Message{
		ID:             "srv-" + out.ClientTempID,
		ClientTempID:   out.ClientTempID,
		ConversationID: out.ConversationID,
		Content:        out.Content,
		Status:         models.StatusSent,
		ConfirmedAt:    time.Now().UTC().UnixNano(),
	}, nil
}

func (g *gatedSender) Identify(context.Context, models.Identity) error { return nil }

func TestOrderPreservedAcrossOutOfOrderResolution(t *testing.T) {
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q, err := queue.New(queue.Options{
		RetryCeiling: 5,
		BackoffBase:  time.Second,
		BackoffCap:   8 * time.Second,
		FlushRPS:     1000,
		FlushBurst:   100,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	gs := &gatedSender{entered: make(chan struct{}), gate: make(chan struct{})}
	o, err := New(gs, q, &fakeConn{state: models.StateConnected}, events.New(), time.Second)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.SendMessage(context.Background(), "conv-1", "first", models.ContentText, nil, nil); err != nil {
			t.Errorf("send first: %v", err)
		}
	}()
	<-gs.entered

	// the second send resolves while the first is still in flight
	if _, err := o.SendMessage(context.Background(), "conv-1", "second", models.ContentText, nil, nil); err != nil {
		t.Fatalf("send second: %v", err)
	}
	close(gs.gate)
	<-done

	tl := o.Timeline("conv-1")
	if len(tl) != 2 || tl[0].Content != "first" || tl[1].Content != "second" {
		t.Fatalf("composition order lost: %+v", tl)
	}
	for _, m := range tl {
		if m.Status != models.StatusSent || m.ID == "" {
			t.Fatalf("message not confirmed: %+v", m)
		}
	}
}

func TestQueuedAttachmentCarriesBlobKey(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateDisconnected})

	att := models.Attachment{Type: "file", Name: "notes.txt", Size: 3, MimeType: "text/plain"}
	msg, err := o.SendMessage(context.Background(), "conv-1", "",
		models.ContentFile, []models.Attachment{att}, [][]byte{[]byte("abc")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	key := store.BlobKey(msg.ClientTempID, 0)

	// the timeline entry can resolve the pending bytes, not just the
	// queued envelope
	tl := o.Timeline("conv-1")
	if len(tl) != 1 || tl[0].Attachments[0].BlobKey != key {
		t.Fatalf("timeline attachment blob key: %+v", tl)
	}
	env, err := store.GetEnvelope(msg.ClientTempID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if env.Message.Attachments[0].BlobKey != key {
		t.Fatalf("envelope attachment blob key: %+v", env.Message.Attachments)
	}
	b, err := store.GetBlob(key)
	if err != nil || string(b) != "abc" {
		t.Fatalf("blob bytes: %q %v", b, err)
	}
}

func TestHydrateRestoresTimeline(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeConn{state: models.StateDisconnected})

	for i := 0; i < 3; i++ {
		if _, err := o.SendMessage(context.Background(), "conv-1",
			fmt.Sprintf("old %d", i), models.ContentText, nil, nil); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// a fresh orchestrator over the same store sees the queued messages
	em := events.New()
	o2, err := New(&fakeSender{}, o.queue, &fakeConn{state: models.StateDisconnected}, em, time.Second)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o2.Hydrate(); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	tl := o2.Timeline("conv-1")
	if len(tl) != 3 {
		t.Fatalf("hydrated timeline size %d, want 3", len(tl))
	}
	if tl[0].Content != "old 0" || tl[2].Content != "old 2" {
		t.Fatalf("hydrated order wrong: %+v", tl)
	}
}
