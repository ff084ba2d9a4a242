package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"chatwidget/pkg/logger"
	"chatwidget/pkg/models"
)

var db *pebble.DB
var dbPath string

// seq provides a small counter to reduce key collisions when multiple
// envelopes share the same nanosecond timestamp.
var seq uint64

// Key layout:
//
//	queue:env:<queued_at_padded>-<seq>   -> QueuedEnvelope JSON
//	queue:id:<client_temp_id>            -> envelope key (index)
//	queue:blob:<client_temp_id>:<n>      -> raw attachment bytes
//
// The env prefix sorts by QueuedAt, so prefix iteration yields FIFO
// order without a secondary sort.
const (
	envPrefix  = "queue:env:"
	idPrefix   = "queue:id:"
	blobPrefix = "queue:blob:"
)

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_queue_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("queue_db_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("queue_db_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	dbPath = ""
	logger.Info("queue_db_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// BlobKey returns the store key for the n-th attachment blob of a message.
func BlobKey(clientTempID string, n int) string {
	return fmt.Sprintf("%s%s:%04d", blobPrefix, clientTempID, n)
}

// PutEnvelope persists an envelope and its attachment blobs in a single
// batch, so a partially written envelope is never observable. A second
// envelope for the same ClientTempID is rejected.
func PutEnvelope(env models.QueuedEnvelope, blobs [][]byte) error {
	if db == nil {
		return fmt.Errorf("queue store not opened; call store.Open first")
	}
	idKey := []byte(idPrefix + env.ClientTempID)
	if _, closer, err := db.Get(idKey); err == nil {
		closer.Close()
		return fmt.Errorf("envelope already queued for %s", env.ClientTempID)
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("index lookup failed: %w", err)
	}

	s := atomic.AddUint64(&seq, 1)
	envKey := fmt.Sprintf("%s%020d-%06d", envPrefix, env.QueuedAt, s)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	b := db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(envKey), data, nil); err != nil {
		return err
	}
	if err := b.Set(idKey, []byte(envKey), nil); err != nil {
		return err
	}
	for i, blob := range blobs {
		if err := b.Set([]byte(BlobKey(env.ClientTempID, i)), blob, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("envelope_put_failed", "client_temp_id", env.ClientTempID, "error", err)
		return err
	}
	logger.Info("envelope_queued", "client_temp_id", env.ClientTempID, "key", envKey)
	return nil
}

// UpdateEnvelope rewrites an existing envelope in place (retry
// bookkeeping). The envelope keeps its key, hence its flush position.
func UpdateEnvelope(env models.QueuedEnvelope) error {
	if db == nil {
		return fmt.Errorf("queue store not opened; call store.Open first")
	}
	envKey, err := lookupEnvKey(env.ClientTempID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := db.Set(envKey, data, pebble.Sync); err != nil {
		logger.Error("envelope_update_failed", "client_temp_id", env.ClientTempID, "error", err)
		return err
	}
	return nil
}

// DeleteEnvelope removes an envelope, its index entry and its blobs in
// one batch. Deleting an absent envelope is a no-op.
func DeleteEnvelope(clientTempID string) error {
	if db == nil {
		return fmt.Errorf("queue store not opened; call store.Open first")
	}
	envKey, err := lookupEnvKey(clientTempID)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil
		}
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	if err := b.Delete(envKey, nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(idPrefix+clientTempID), nil); err != nil {
		return err
	}
	// blobs share a per-message prefix
	bp := []byte(blobPrefix + clientTempID + ":")
	if err := b.DeleteRange(bp, append(append([]byte(nil), bp...), 0xff), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("envelope_delete_failed", "client_temp_id", clientTempID, "error", err)
		return err
	}
	logger.Info("envelope_deleted", "client_temp_id", clientTempID)
	return nil
}

// GetEnvelope returns the stored envelope for a ClientTempID, or
// pebble.ErrNotFound when absent.
func GetEnvelope(clientTempID string) (models.QueuedEnvelope, error) {
	var env models.QueuedEnvelope
	if db == nil {
		return env, fmt.Errorf("queue store not opened; call store.Open first")
	}
	envKey, err := lookupEnvKey(clientTempID)
	if err != nil {
		return env, err
	}
	v, closer, err := db.Get(envKey)
	if err != nil {
		return env, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &env); err != nil {
		return env, fmt.Errorf("invalid envelope JSON: %w", err)
	}
	return env, nil
}

// ListEnvelopes returns all queued envelopes in QueuedAt order.
func ListEnvelopes() ([]models.QueuedEnvelope, error) {
	if db == nil {
		return nil, fmt.Errorf("queue store not opened; call store.Open first")
	}
	prefix := []byte(envPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.QueuedEnvelope
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var env models.QueuedEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("invalid envelope JSON at %s: %w", iter.Key(), err)
		}
		out = append(out, env)
	}
	return out, nil
}

// GetBlob returns the raw bytes stored under a blob key.
func GetBlob(key string) ([]byte, error) {
	if db == nil {
		return nil, fmt.Errorf("queue store not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// ErrNotFound re-exports the store's not-found sentinel so callers do
// not import pebble directly.
var ErrNotFound = pebble.ErrNotFound

func lookupEnvKey(clientTempID string) ([]byte, error) {
	v, closer, err := db.Get([]byte(idPrefix + clientTempID))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}
