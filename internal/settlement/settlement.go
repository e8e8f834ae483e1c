// Package settlement implements the Settlement Consumer (spec §4.8): a
// single background goroutine that drains internal/queue.Queue in batches
// and forwards them to the authority's /internal/usage/settle endpoint,
// acking or nacking per batch outcome.
package settlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
)

// Consumer drains a queue.Queue and settles batches against the authority.
type Consumer struct {
	q         *queue.Queue
	authority *authority.Client
	metrics   *metrics.Registry
	log       *slog.Logger

	wg sync.WaitGroup
}

func New(q *queue.Queue, a *authority.Client, met *metrics.Registry, log *slog.Logger) *Consumer {
	return &Consumer{q: q, authority: a, metrics: met, log: log}
}

// Run blocks, settling batches until ctx is cancelled or the queue is closed
// and fully drained. Intended to be run in its own goroutine.
func (c *Consumer) Run(ctx context.Context) {
	for {
		batch, ok := c.q.NextBatch(ctx)
		if !ok {
			return
		}
		c.settle(ctx, batch)
	}
}

func (c *Consumer) settle(ctx context.Context, batch *queue.Batch) {
	entries := batch.Entries()
	if len(entries) == 0 {
		// Empty batches are a no-op success.
		batch.Ack()
		return
	}

	if !c.authority.Configured() {
		c.log.Error("settlement: authority not configured, nacking batch", "count", len(entries))
		c.recordBatch("nack")
		batch.Nack()
		return
	}

	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			c.log.Error("settlement: failed to marshal usage log entry", "request_id", e.RequestID, "error", err)
			c.recordBatch("nack")
			batch.Nack()
			return
		}
		raw = append(raw, b)
	}

	result, err := c.authority.Settle(ctx, raw)
	if err != nil {
		c.log.Warn("settlement: settle call failed, nacking batch for redelivery", "count", len(entries), "error", err)
		c.recordBatch("nack")
		batch.Nack()
		return
	}

	c.log.Info("settlement: batch settled", "count", len(entries), "processed", result.ProcessedCount)
	c.recordBatch("ack")
	batch.Ack()
}

func (c *Consumer) recordBatch(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordSettlementBatch(outcome)
	}
}
