// Package queue implements the USAGE_QUEUE binding from spec §4.8/§9: an
// in-process, at-least-once queue with bounded batch delivery and bounded
// redelivery. Modeled directly on the teacher's internal/logger.Logger
// buffered-channel + ticker-flush pattern, generalized with per-batch
// ack/nack instead of fire-and-forget logging.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

const (
	channelBuffer = 10_000
	// BatchSize is the maximum number of messages drained into one batch.
	BatchSize = 100
	// FlushInterval bounds how long a partial batch waits before delivery.
	FlushInterval = 30 * time.Second
	// MaxRedeliveries bounds how many times a nacked message is retried
	// before it is dropped.
	MaxRedeliveries = 3
)

// message wraps a usage log entry with its redelivery count.
type message struct {
	entry    usage.LogEntry
	attempts int
}

// Batch is a group of messages handed to the consumer together. Exactly one
// of Ack/Nack must be called.
type Batch struct {
	messages []*message
	q        *Queue
}

// Entries returns the usage log entries in this batch.
func (b *Batch) Entries() []usage.LogEntry {
	out := make([]usage.LogEntry, len(b.messages))
	for i, m := range b.messages {
		out[i] = m.entry
	}
	return out
}

// Ack confirms successful delivery; the messages are simply discarded.
func (b *Batch) Ack() {}

// Nack requeues every message in the batch for redelivery, unless a message
// has exhausted MaxRedeliveries, in which case it is dropped.
func (b *Batch) Nack() {
	for _, m := range b.messages {
		m.attempts++
		if m.attempts > MaxRedeliveries {
			b.q.dropped.Add(1)
			continue
		}
		select {
		case b.q.ch <- m:
		default:
			b.q.dropped.Add(1)
		}
	}
}

// Queue is the in-process USAGE_QUEUE binding.
type Queue struct {
	ch            chan *message
	batches       chan *Batch
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
	dropped       atomic.Int64
	batchSize     int
	flushInterval time.Duration
}

// New creates a Queue and starts its background batching goroutine. The
// goroutine stops when ctx is cancelled or Close is called.
func New(ctx context.Context) *Queue {
	return NewWithConfig(ctx, BatchSize, FlushInterval)
}

// NewWithConfig is New with an overridable batch size and flush interval,
// so tests don't have to wait out the production FlushInterval.
func NewWithConfig(ctx context.Context, batchSize int, flushInterval time.Duration) *Queue {
	q := &Queue{
		ch:            make(chan *message, channelBuffer),
		batches:       make(chan *Batch),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Enqueue adds a usage log entry to the queue. Returns an error (logged,
// not propagated to the client per spec §7) if the buffer is full.
func (q *Queue) Enqueue(entry usage.LogEntry) error {
	select {
	case q.ch <- &message{entry: entry}:
		return nil
	default:
		q.dropped.Add(1)
		return fmt.Errorf("queue: buffer full, entry %s dropped", entry.RequestID)
	}
}

// DroppedMessages returns the count of messages dropped either because the
// buffer was full or because redelivery was exhausted.
func (q *Queue) DroppedMessages() int64 {
	return q.dropped.Load()
}

// Depth returns the number of entries buffered and not yet handed to a
// batch, for the gateway_usage_queue_depth gauge. An approximation: entries
// already pulled into an in-flight (not yet acked/nacked) batch don't count.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// NextBatch blocks until a batch is ready or ctx is cancelled. ok is false
// when the queue has been closed and drained.
func (q *Queue) NextBatch(ctx context.Context) (batch *Batch, ok bool) {
	select {
	case b, open := <-q.batches:
		return b, open
	case <-ctx.Done():
		return nil, false
	}
}

// Close stops accepting new background work and waits for the final flush.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.batches)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	var buf []*message
	flush := func() {
		if len(buf) == 0 {
			return
		}
		b := &Batch{messages: buf, q: q}
		buf = nil
		select {
		case q.batches <- b:
		case <-q.done:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case m := <-q.ch:
			buf = append(buf, m)
			if len(buf) >= q.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-q.done:
		drain:
			for {
				select {
				case m := <-q.ch:
					buf = append(buf, m)
				default:
					break drain
				}
			}
			if len(buf) > 0 {
				b := &Batch{messages: buf, q: q}
				select {
				case q.batches <- b:
				case <-ctx.Done():
				}
			}
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}
