package store

import (
	"testing"

	"chatwidget/pkg/models"
)

func openTestStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := Open(dir); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	return dir
}

func env(id string, queuedAt int64) models.QueuedEnvelope {
	return models.QueuedEnvelope{
		ClientTempID: id,
		QueuedAt:     queuedAt,
		Message: models.Message{
			ClientTempID:   id,
			ConversationID: "conv-1",
			SenderType:     models.SenderContact,
			Content:        "hello " + id,
			ContentType:    models.ContentText,
			Status:         models.StatusPending,
			CreatedAt:      queuedAt,
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	openTestStore(t)
	e := env("tmp-1", 100)
	if err := PutEnvelope(e, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := GetEnvelope("tmp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Message.Content != e.Message.Content || got.QueuedAt != 100 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDuplicateClientTempIDRejected(t *testing.T) {
	openTestStore(t)
	if err := PutEnvelope(env("dup", 1), nil); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := PutEnvelope(env("dup", 2), nil); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestListEnvelopesFIFO(t *testing.T) {
	openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := PutEnvelope(env(id, int64(10+i)), nil); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	// same timestamp: insertion order must still hold via the sequence
	if err := PutEnvelope(env("d", 12), nil); err != nil {
		t.Fatalf("put d: %v", err)
	}
	envs, err := ListEnvelopes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if len(envs) != len(want) {
		t.Fatalf("got %d envelopes, want %d", len(envs), len(want))
	}
	for i, w := range want {
		if envs[i].ClientTempID != w {
			t.Fatalf("position %d: got %s, want %s", i, envs[i].ClientTempID, w)
		}
	}
}

func TestUpdateKeepsFlushPosition(t *testing.T) {
	openTestStore(t)
	for i, id := range []string{"x", "y"} {
		if err := PutEnvelope(env(id, int64(i+1)), nil); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	e, err := GetEnvelope("x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	e.RetryCount = 3
	if err := UpdateEnvelope(e); err != nil {
		t.Fatalf("update: %v", err)
	}
	envs, err := ListEnvelopes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if envs[0].ClientTempID != "x" || envs[0].RetryCount != 3 {
		t.Fatalf("update moved or lost envelope: %+v", envs[0])
	}
}

func TestDeleteRemovesBlobs(t *testing.T) {
	openTestStore(t)
	blobs := [][]byte{[]byte("png-bytes"), []byte("more-bytes")}
	if err := PutEnvelope(env("att", 5), blobs); err != nil {
		t.Fatalf("put: %v", err)
	}
	if b, err := GetBlob(BlobKey("att", 0)); err != nil || string(b) != "png-bytes" {
		t.Fatalf("blob 0: %v %q", err, b)
	}
	if err := DeleteEnvelope("att"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetBlob(BlobKey("att", 0)); err != ErrNotFound {
		t.Fatalf("blob should be gone, got err=%v", err)
	}
	if _, err := GetEnvelope("att"); err != ErrNotFound {
		t.Fatalf("envelope should be gone, got err=%v", err)
	}
	// deleting again is a no-op
	if err := DeleteEnvelope("att"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	if err := Open(dir); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := PutEnvelope(env("persist", 42), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := Open(dir); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	envs, err := ListEnvelopes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envs) != 1 || envs[0].ClientTempID != "persist" {
		t.Fatalf("envelope lost across reopen: %+v", envs)
	}
}
