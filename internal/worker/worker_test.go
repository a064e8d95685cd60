package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/notification"
	"github.com/lalithlochan/pulse/internal/redis"
	"github.com/lalithlochan/pulse/internal/sqs"
)

// MockQueue serves scripted receive results and records acknowledgements
type MockQueue struct {
	mu          sync.Mutex
	receiveErrs []error
	batches     [][]sqs.Received
	receives    int
	deleted     []string
	retried     map[string]int32
}

func (m *MockQueue) Receive(ctx context.Context) ([]sqs.Received, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receives++
	if len(m.receiveErrs) > 0 {
		err := m.receiveErrs[0]
		m.receiveErrs = m.receiveErrs[1:]
		return nil, err
	}
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		return batch, nil
	}
	return nil, nil
}

func (m *MockQueue) Delete(_ context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, receiptHandle)
	return nil
}

func (m *MockQueue) Retry(_ context.Context, receiptHandle string, delay int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retried == nil {
		m.retried = map[string]int32{}
	}
	m.retried[receiptHandle] = delay
	return nil
}

// MockIngester returns a scripted result per call
type MockIngester struct {
	calls  int
	kinds  []string
	result []*db.Notification
	err    error
}

func (m *MockIngester) Ingest(_ context.Context, kind string, _ json.RawMessage) ([]*db.Notification, error) {
	m.calls++
	m.kinds = append(m.kinds, kind)
	return m.result, m.err
}

type MockDLQ struct {
	bodies []string
	attrs  []map[string]string
	err    error
}

func (m *MockDLQ) Send(_ context.Context, body string, attrs map[string]string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.bodies = append(m.bodies, body)
	m.attrs = append(m.attrs, attrs)
	return "dlq-1", nil
}

func message(handle, body string, receiveCount int) sqs.Received {
	return sqs.Received{
		MessageID:     "msg-" + handle,
		ReceiptHandle: handle,
		Body:          body,
		ReceiveCount:  receiveCount,
	}
}

const assignedBody = `{"id":"evt-1","source":"issues","kind":"issue_assigned","data":{"assigneeId":"bob","actor":{"id":"ada"},"issue":{"id":"i1"}}}`

func created(n int) []*db.Notification {
	out := make([]*db.Notification, n)
	for i := range out {
		out[i] = &db.Notification{ID: uuid.New(), UserID: fmt.Sprintf("u%d", i)}
	}
	return out
}

func TestProcess_Success(t *testing.T) {
	queue := &MockQueue{}
	ingester := &MockIngester{result: created(1)}
	w := New(queue, ingester, Config{}, zap.NewNop())

	w.process(context.Background(), message("r1", assignedBody, 1))

	if ingester.calls != 1 || ingester.kinds[0] != notification.KindIssueAssigned {
		t.Errorf("unexpected ingest calls %v", ingester.kinds)
	}
	if len(queue.deleted) != 1 || queue.deleted[0] != "r1" {
		t.Errorf("expected message to be deleted, got %v", queue.deleted)
	}
}

func TestProcess_Poison(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		ingest   error
		wantCall bool
	}{
		{"malformed body", `not json`, nil, false},
		{"missing kind", `{"data":{}}`, nil, false},
		{"invalid event", assignedBody, fmt.Errorf("%w: unknown kind", notification.ErrInvalidEvent), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &MockQueue{}
			ingester := &MockIngester{err: tt.ingest}
			dlq := &MockDLQ{}
			w := New(queue, ingester, Config{}, zap.NewNop(), WithDeadLetter(dlq))

			w.process(context.Background(), message("r1", tt.body, 1))

			if (ingester.calls > 0) != tt.wantCall {
				t.Errorf("ingest called = %v, want %v", ingester.calls > 0, tt.wantCall)
			}
			if len(dlq.bodies) != 1 || dlq.bodies[0] != tt.body {
				t.Errorf("expected body forwarded to dead letter queue, got %v", dlq.bodies)
			}
			if dlq.attrs[0]["error"] == "" {
				t.Error("expected error attribute")
			}
			if len(queue.deleted) != 1 {
				t.Error("dead-lettered message should be deleted from the source queue")
			}
		})
	}
}

func TestProcess_DeadLetterFailureKeepsMessage(t *testing.T) {
	queue := &MockQueue{}
	w := New(queue, &MockIngester{}, Config{}, zap.NewNop(), WithDeadLetter(&MockDLQ{err: errors.New("dlq down")}))

	w.process(context.Background(), message("r1", `not json`, 1))

	if len(queue.deleted) != 0 {
		t.Error("message must stay on the queue when dead-lettering fails")
	}
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	queue := &MockQueue{}
	ingester := &MockIngester{err: errors.New("persist notification: connection refused")}
	w := New(queue, ingester, Config{MaxReceives: 3}, zap.NewNop())

	w.process(context.Background(), message("r1", assignedBody, 2))

	if len(queue.deleted) != 0 {
		t.Error("transient failures must not delete the message")
	}
	if queue.retried["r1"] != 30 {
		t.Errorf("expected 30s retry delay, got %d", queue.retried["r1"])
	}
}

func TestProcess_TransientFailureExhausted(t *testing.T) {
	queue := &MockQueue{}
	dlq := &MockDLQ{}
	ingester := &MockIngester{err: errors.New("persist notification: connection refused")}
	w := New(queue, ingester, Config{MaxReceives: 3}, zap.NewNop(), WithDeadLetter(dlq))

	w.process(context.Background(), message("r1", assignedBody, 3))

	if len(dlq.bodies) != 1 {
		t.Error("exhausted message should be dead-lettered")
	}
	if len(queue.deleted) != 1 {
		t.Error("exhausted message should be deleted")
	}
}

func TestProcess_PartialFailureIsNotRedelivered(t *testing.T) {
	queue := &MockQueue{}
	ingester := &MockIngester{result: created(2), err: errors.New("event 2 for u3: persist notification: timeout")}
	w := New(queue, ingester, Config{}, zap.NewNop())

	w.process(context.Background(), message("r1", assignedBody, 1))

	if len(queue.deleted) != 1 {
		t.Error("partially ingested message should be deleted")
	}
	if len(queue.retried) != 0 {
		t.Error("partially ingested message must not be retried")
	}
}

func TestProcess_PartialInvalidFanOutIsNotDeadLettered(t *testing.T) {
	queue := &MockQueue{}
	dlq := &MockDLQ{}
	ingester := &MockIngester{
		result: created(2),
		err:    fmt.Errorf("event 3 for u3: %w: UserID failed max", notification.ErrInvalidEvent),
	}
	w := New(queue, ingester, Config{}, zap.NewNop(), WithDeadLetter(dlq), WithIdempotency(setupIdempotency(t)))

	w.process(context.Background(), message("r1", assignedBody, 1))

	if len(dlq.bodies) != 0 {
		t.Errorf("partially ingested message must not be dead-lettered, got %d", len(dlq.bodies))
	}
	if len(queue.deleted) != 1 {
		t.Fatalf("partially ingested message should be deleted, got %v", queue.deleted)
	}

	// a redrive of the same event is answered from the stored result
	w.process(context.Background(), message("r2", assignedBody, 1))

	if ingester.calls != 1 {
		t.Errorf("expected 1 ingest, got %d", ingester.calls)
	}
}

func setupIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())
}

func TestProcess_DuplicateDeliveryIngestedOnce(t *testing.T) {
	queue := &MockQueue{}
	ingester := &MockIngester{result: created(1)}
	w := New(queue, ingester, Config{}, zap.NewNop(), WithIdempotency(setupIdempotency(t)))

	w.process(context.Background(), message("r1", assignedBody, 1))
	w.process(context.Background(), message("r2", assignedBody, 1))

	if ingester.calls != 1 {
		t.Errorf("expected 1 ingest, got %d", ingester.calls)
	}
	if len(queue.deleted) != 2 {
		t.Errorf("both deliveries should be deleted, got %v", queue.deleted)
	}
}

func TestProcess_FailedIngestReleasesKey(t *testing.T) {
	queue := &MockQueue{}
	ingester := &MockIngester{err: errors.New("persist notification: timeout")}
	w := New(queue, ingester, Config{}, zap.NewNop(), WithIdempotency(setupIdempotency(t)))

	w.process(context.Background(), message("r1", assignedBody, 1))

	ingester.err = nil
	ingester.result = created(1)
	w.process(context.Background(), message("r1", assignedBody, 2))

	if ingester.calls != 2 {
		t.Errorf("redelivery after failure should ingest again, got %d calls", ingester.calls)
	}
	if len(queue.deleted) != 1 {
		t.Errorf("expected message deleted after success, got %v", queue.deleted)
	}
}

func TestReceive_BacksOffThenSucceeds(t *testing.T) {
	queue := &MockQueue{
		receiveErrs: []error{errors.New("throttled"), errors.New("throttled")},
		batches:     [][]sqs.Received{{message("r1", assignedBody, 1)}},
	}
	w := New(queue, &MockIngester{}, Config{ReceiveBackoff: time.Millisecond, MaxReceiveBackoff: 5 * time.Millisecond}, zap.NewNop())

	batch, err := w.receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("expected 1 message, got %d", len(batch))
	}
	if queue.receives != 3 {
		t.Errorf("expected 3 receive attempts, got %d", queue.receives)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	queue := &MockQueue{batches: [][]sqs.Received{{message("r1", assignedBody, 1)}}}
	ingester := &MockIngester{result: created(1)}
	w := New(queue, ingester, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		queue.mu.Lock()
		n := len(queue.deleted)
		queue.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 30 * time.Second},
		{3, 60 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.count); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}
