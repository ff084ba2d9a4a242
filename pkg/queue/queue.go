package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"chatwidget/pkg/logger"
	"chatwidget/pkg/models"
	"chatwidget/pkg/store"
	"chatwidget/pkg/telemetry"
)

// SendFunc delivers one envelope. It is supplied by the orchestrator so
// flushed sends reuse the exact same path as live sends.
type SendFunc func(ctx context.Context, env models.QueuedEnvelope) error

var (
	// ErrFlushInFlight is returned when Flush is called while another
	// flush pass is still draining. The in-flight pass owns every
	// envelope; the caller has nothing to do.
	ErrFlushInFlight = errors.New("flush already in flight")
)

// Options configure the queue policy layer.
type Options struct {
	RetryCeiling int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	FlushRPS     float64
	FlushBurst   int
}

// Queue is the policy layer over the durable store: ordered holding
// area for messages that could not be sent immediately.
type Queue struct {
	opts    Options
	limiter *rate.Limiter

	flushCh chan struct{} // size-1 token; held for the duration of a flush
}

// New creates a Queue. Callers (startup path) are expected to provide
// canonical defaults via configuration; absent values are an error so
// startup can abort with a helpful message.
func New(opts Options) (*Queue, error) {
	if opts.RetryCeiling == 0 {
		return nil, fmt.Errorf("queue options missing retry_ceiling; ensure config.ValidateConfig() applied defaults")
	}
	if opts.BackoffBase <= 0 || opts.BackoffCap <= 0 {
		return nil, fmt.Errorf("queue options missing backoff bounds; ensure config.ValidateConfig() applied defaults")
	}
	if opts.FlushRPS <= 0 {
		return nil, fmt.Errorf("queue options missing flush_rps; ensure config.ValidateConfig() applied defaults")
	}
	burst := opts.FlushBurst
	if burst <= 0 {
		burst = 1
	}
	q := &Queue{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.FlushRPS), burst),
		flushCh: make(chan struct{}, 1),
	}
	q.flushCh <- struct{}{}
	return q, nil
}

// Enqueue persists an envelope and its attachment blobs. Storage errors
// are returned to the caller: a failed enqueue must be reportable to
// the user, never silently swallowed.
func (q *Queue) Enqueue(env models.QueuedEnvelope, blobs [][]byte) error {
	if env.ClientTempID == "" {
		return fmt.Errorf("envelope missing client_temp_id")
	}
	if env.QueuedAt == 0 {
		env.QueuedAt = time.Now().UTC().UnixNano()
	}
	if err := store.PutEnvelope(env, blobs); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.ClientTempID, err)
	}
	telemetry.EnqueuedTotal.Inc()
	q.updateDepth()
	return nil
}

// Flush drains eligible envelopes in QueuedAt order, strictly one at a
// time, invoking send for each. On success the envelope is deleted; on
// failure retry bookkeeping is updated and the envelope stays. A flush
// already in flight makes the call a no-op returning ErrFlushInFlight.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (models.QueueFlushedEvent, error) {
	var ev models.QueueFlushedEvent
	select {
	case <-q.flushCh:
	default:
		return ev, ErrFlushInFlight
	}
	defer func() { q.flushCh <- struct{}{} }()

	envs, err := store.ListEnvelopes()
	if err != nil {
		return ev, fmt.Errorf("flush list: %w", err)
	}
	now := time.Now().UTC().UnixNano()
	for _, env := range envs {
		if env.Dead {
			ev.Remaining++
			continue
		}
		if env.NextEligibleAt > now {
			ev.Remaining++
			continue
		}
		if err := ctx.Err(); err != nil {
			ev.Remaining++
			continue
		}
		// pace sends against a connection that may have just recovered
		if err := q.limiter.Wait(ctx); err != nil {
			ev.Remaining++
			continue
		}

		start := time.Now()
		sendErr := send(ctx, env)
		telemetry.SendSeconds.Observe(time.Since(start).Seconds())

		if sendErr == nil {
			if err := store.DeleteEnvelope(env.ClientTempID); err != nil {
				return ev, fmt.Errorf("flush delete %s: %w", env.ClientTempID, err)
			}
			ev.Sent++
			telemetry.FlushSentTotal.Inc()
			continue
		}

		ev.Failed++
		telemetry.FlushFailedTotal.Inc()
		if err := q.recordFailure(&env, sendErr); err != nil {
			return ev, err
		}
		ev.Remaining++
	}
	q.updateDepth()
	logger.Info("queue_flushed", "sent", ev.Sent, "failed", ev.Failed, "remaining", ev.Remaining)
	return ev, nil
}

// Remove is the explicit cancellation path for a message the user
// discards. Removing an unknown id is a no-op.
func (q *Queue) Remove(clientTempID string) error {
	if err := store.DeleteEnvelope(clientTempID); err != nil {
		return fmt.Errorf("remove %s: %w", clientTempID, err)
	}
	q.updateDepth()
	return nil
}

// PeekAll returns a read-only snapshot in QueuedAt order, including
// dead envelopes, for rendering pending/failed indicators.
func (q *Queue) PeekAll() ([]models.QueuedEnvelope, error) {
	return store.ListEnvelopes()
}

// Revive puts a dead envelope back on the automatic flush path (manual
// retry). Retry bookkeeping restarts from zero.
func (q *Queue) Revive(clientTempID string) error {
	env, err := store.GetEnvelope(clientTempID)
	if err != nil {
		return fmt.Errorf("revive %s: %w", clientTempID, err)
	}
	env.Dead = false
	env.RetryCount = 0
	env.NextEligibleAt = 0
	env.Message.Status = models.StatusPending
	return store.UpdateEnvelope(env)
}

func (q *Queue) recordFailure(env *models.QueuedEnvelope, sendErr error) error {
	env.RetryCount++
	env.LastAttemptAt = time.Now().UTC().UnixNano()
	if env.RetryCount > q.opts.RetryCeiling {
		env.Dead = true
		env.Message.Status = models.StatusFailed
		telemetry.DeadEnvelopesTotal.Inc()
		logger.Warn("envelope_dead", "client_temp_id", env.ClientTempID,
			"retries", env.RetryCount, "error", sendErr)
	} else {
		delta := q.backoffDelta(env.RetryCount)
		env.NextEligibleAt = env.LastAttemptAt + delta.Nanoseconds()
		logger.Info("envelope_retry_scheduled", "client_temp_id", env.ClientTempID,
			"retries", env.RetryCount, "next_in", delta, "error", sendErr)
	}
	if err := store.UpdateEnvelope(*env); err != nil {
		return fmt.Errorf("flush bookkeeping %s: %w", env.ClientTempID, err)
	}
	return nil
}

// backoffDelta returns the capped exponential delay for the n-th retry.
// Deltas are non-decreasing in n.
func (q *Queue) backoffDelta(retry int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if d > q.opts.BackoffCap {
		return q.opts.BackoffCap
	}
	return d
}

func (q *Queue) updateDepth() {
	envs, err := store.ListEnvelopes()
	if err != nil {
		return
	}
	telemetry.QueueDepth.Set(float64(len(envs)))
}
