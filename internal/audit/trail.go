// Package audit keeps a non-blocking, batched trail of routing decisions.
//
// Decisions are written to an internal buffered channel and flushed in
// batches by a background goroutine, so recording never blocks the routing
// hot path. If the channel fills up, new decisions are dropped and counted.
// The trail is emitted through zap; nothing is persisted.
package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Decision is one routed request.
type Decision struct {
	ID        uuid.UUID
	Strategy  string
	Operation string
	// Provider and Index identify who served the request; Index is -1 when
	// nobody did.
	Provider  string
	Index     int
	Model     string
	Attempts  int
	Failover  bool
	Outcome   string // "ok" | "error"
	ErrorKind string
	LatencyMs int64
	CreatedAt time.Time
}

// Trail buffers decisions and flushes them to a logger.
type Trail struct {
	ch        chan Decision
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped  atomic.Int64
	recorded atomic.Int64
	onDrop   func()

	log *zap.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithDropHook is called once for every dropped decision.
func WithDropHook(fn func()) Option {
	return func(t *Trail) { t.onDrop = fn }
}

func withBuffer(n int) Option {
	return func(t *Trail) { t.ch = make(chan Decision, n) }
}

func New(log *zap.Logger, opts ...Option) (*Trail, error) {
	if log == nil {
		return nil, fmt.Errorf("audit: logger must not be nil")
	}

	t := &Trail{
		ch:   make(chan Decision, channelBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	for _, o := range opts {
		o(t)
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Record enqueues d. A zero ID is replaced with a fresh UUID.
func (t *Trail) Record(d Decision) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	select {
	case t.ch <- d:
	default:
		t.dropped.Add(1)
		if t.onDrop != nil {
			t.onDrop()
		}
	}
}

// Dropped returns the number of decisions lost to a full buffer.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

// Recorded returns the number of decisions flushed so far.
func (t *Trail) Recorded() int64 { return t.recorded.Load() }

// Close flushes pending decisions and stops the background goroutine.
func (t *Trail) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

func (t *Trail) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Decision, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			t.log.Info("routing_decision",
				zap.String("id", d.ID.String()),
				zap.String("strategy", d.Strategy),
				zap.String("operation", d.Operation),
				zap.String("provider", d.Provider),
				zap.Int("index", d.Index),
				zap.String("model", d.Model),
				zap.Int("attempts", d.Attempts),
				zap.Bool("failover", d.Failover),
				zap.String("outcome", d.Outcome),
				zap.String("error_kind", d.ErrorKind),
				zap.Int64("latency_ms", d.LatencyMs),
				zap.Time("created_at", d.CreatedAt.UTC()),
			)
		}
		t.recorded.Add(int64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case d := <-t.ch:
			batch = append(batch, d)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-t.done:
			for {
				select {
				case d := <-t.ch:
					batch = append(batch, d)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
