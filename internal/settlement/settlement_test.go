package settlement

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSettleRetriesAfterTransientFailure mirrors spec §8 scenario 6: the
// authority returns 503 on the first attempt and 200 on the second, and the
// batch must be settled exactly once overall.
func TestSettleRetriesAfterTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload struct {
			Entries []json.RawMessage `json:"entries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode settle body: %v", err)
		}
		if len(payload.Entries) != 1 {
			t.Errorf("expected 1 entry in settle payload, got %d", len(payload.Entries))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"processedCount": len(payload.Entries)})
	}))
	defer srv.Close()

	a := authority.New(srv.URL, "test-secret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewWithConfig(ctx, queue.BatchSize, 10*time.Millisecond)
	defer q.Close()

	if err := q.Enqueue(usage.LogEntry{RequestID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c := New(q, a, nil, discardLogger())
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 settle attempts (503 then 200), got %d", got)
	}
}

// TestSettleEmptyBatchIsNoOp exercises the empty-batch-is-a-no-op-success
// rule directly against the Consumer's settle step.
func TestSettleEmptyBatchIsNoOp(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := authority.New(srv.URL, "test-secret")
	c := New(nil, a, nil, discardLogger())

	c.settle(context.Background(), &queue.Batch{})

	if calls.Load() != 0 {
		t.Fatalf("expected no settle HTTP call for an empty batch, got %d", calls.Load())
	}
}

// TestSettleNacksOnMissingConfig covers spec §4.8's rule that a missing
// BACKEND_URL/INTERNAL_SECRET must nack rather than silently succeed.
func TestSettleNacksOnMissingConfig(t *testing.T) {
	a := authority.New("", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewWithConfig(ctx, queue.BatchSize, 10*time.Millisecond)
	defer q.Close()

	if err := q.Enqueue(usage.LogEntry{RequestID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, ok := q.NextBatch(context.Background())
	if !ok {
		t.Fatal("expected a batch")
	}

	c := New(q, a, nil, discardLogger())
	c.settle(context.Background(), batch)

	redeliverCtx, redeliverCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer redeliverCancel()
	redelivered, ok := q.NextBatch(redeliverCtx)
	if !ok || len(redelivered.Entries()) != 1 {
		t.Fatal("expected the entry to be nacked and redelivered")
	}
}
