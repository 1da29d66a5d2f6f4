package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// 命名内存库 + shared cache，保证并发连接看到同一份数据
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := New(newTestDB(t), testLogger(), "session-"+t.Name(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestNewValidation(t *testing.T) {
	db := newTestDB(t)

	if _, err := New(nil, testLogger(), "s1", Options{}); err == nil {
		t.Fatal("nil db should be rejected")
	}
	if _, err := New(db, testLogger(), "", Options{}); err == nil {
		t.Fatal("empty session id should be rejected")
	}

	q, err := New(db, testLogger(), "s1", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if q.MaxRetries() != 3 {
		t.Fatalf("default max retries = %d, want 3", q.MaxRetries())
	}
}

func TestEnqueueRejectsInvalidType(t *testing.T) {
	q := newTestQueue(t, Options{})
	if _, err := q.Enqueue(context.Background(), "teleport", nil, 0); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	q := newTestQueue(t, Options{BaseDelay: time.Second})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{-1, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := q.backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestEnqueueSetsNextRetryAt(t *testing.T) {
	q := newTestQueue(t, Options{BaseDelay: time.Second})
	before := time.Now()

	item, err := q.Enqueue(context.Background(), TypeLookup, json.RawMessage(`{"value":"0312345678"}`), 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.ID == 0 {
		t.Fatal("enqueued item should carry generated id")
	}

	// attempts=2 → 延迟 4s，允许执行耗时带来的少量偏差
	wantAt := before.Add(4 * time.Second)
	diff := item.NextRetryAt.Sub(wantAt)
	if diff < 0 || diff > 2*time.Second {
		t.Fatalf("next retry at %v, want about %v", item.NextRetryAt, wantAt)
	}
}

func TestDequeueOrderAndEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoItem) {
		t.Fatalf("empty queue: expected ErrNoItem, got %v", err)
	}

	first, err := q.Enqueue(ctx, TypeLookup, json.RawMessage(`{"n":1}`), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := q.Enqueue(ctx, TypeNavigation, json.RawMessage(`{"n":2}`), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("dequeued id %d, want earliest %d", got.ID, first.ID)
	}

	size, err := q.QueueSize(ctx)
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if size != 1 {
		t.Fatalf("size = %d after dequeue, want 1", size)
	}
}

func TestDequeueSkipsFutureItems(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Hour})

	if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoItem) {
		t.Fatalf("future item must not be claimable, got %v", err)
	}

	ready, err := q.ReadyCount(ctx)
	if err != nil {
		t.Fatalf("ReadyCount: %v", err)
	}
	if ready != 0 {
		t.Fatalf("ready = %d, want 0", ready)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	enq, err := q.Enqueue(ctx, TypeExtraction, json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	peeked, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if peeked.ID != enq.ID {
		t.Fatalf("peeked id %d, want %d", peeked.ID, enq.ID)
	}

	size, _ := q.QueueSize(ctx)
	if size != 1 {
		t.Fatalf("size = %d after peek, want item retained", size)
	}
}

func TestConcurrentDequeueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Dequeue(ctx); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("item claimed %d times, want exactly 1", claimed)
	}
}

func TestShouldRetry(t *testing.T) {
	q := newTestQueue(t, Options{MaxRetries: 3})

	cases := []struct {
		attempts int
		want     bool
	}{
		{0, true}, {1, true}, {2, true}, {3, false}, {4, false},
	}
	for _, tc := range cases {
		if got := q.ShouldRetry(tc.attempts); got != tc.want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestProcessRetrySuccess(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	if _, err := q.Enqueue(ctx, TypeLookup, json.RawMessage(`{"value":"x"}`), 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := q.ProcessRetry(ctx, func(context.Context, *Item) error { return nil })
	if err != nil {
		t.Fatalf("ProcessRetry: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if res.FinalAttempts != 2 {
		t.Fatalf("final attempts = %d, want attempts+1 = 2", res.FinalAttempts)
	}

	size, _ := q.QueueSize(ctx)
	if size != 0 {
		t.Fatalf("size = %d after success, want 0", size)
	}
}

func TestProcessRetryReenqueuesOnFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 3, BaseDelay: time.Nanosecond})

	if _, err := q.Enqueue(ctx, TypeLookup, json.RawMessage(`{"value":"x"}`), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := q.ProcessRetry(ctx, func(context.Context, *Item) error {
		return errors.New("still blocked")
	})
	if err != nil {
		t.Fatalf("ProcessRetry: %v", err)
	}
	if res.Status != StatusRetrying {
		t.Fatalf("status = %q, want retrying", res.Status)
	}
	if res.FinalAttempts != 1 {
		t.Fatalf("final attempts = %d, want 1", res.FinalAttempts)
	}
	if res.Error == "" {
		t.Fatal("retrying result should carry the error text")
	}

	items, err := q.AllItems(ctx)
	if err != nil {
		t.Fatalf("AllItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue holds %d items, want re-enqueued row", len(items))
	}
	if items[0].Attempts != 1 {
		t.Fatalf("re-enqueued attempts = %d, want 1", items[0].Attempts)
	}
	if items[0].Payload != `{"value":"x"}` {
		t.Fatalf("payload not preserved: %q", items[0].Payload)
	}
}

func TestProcessRetryExhaustsAndDiscards(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 3, BaseDelay: time.Nanosecond})

	// attempts=2，失败后 finalAttempts=3 == maxRetries：耗尽并丢弃
	if _, err := q.Enqueue(ctx, TypeNavigation, nil, 2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	res, err := q.ProcessRetry(ctx, func(context.Context, *Item) error {
		return errors.New("permanent failure")
	})
	if err != nil {
		t.Fatalf("ProcessRetry: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.FinalAttempts != 3 {
		t.Fatalf("final attempts = %d, want 3", res.FinalAttempts)
	}

	size, _ := q.QueueSize(ctx)
	if size != 0 {
		t.Fatalf("size = %d after exhaustion, want discarded", size)
	}
}

func TestProcessRetryPanicIsFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := q.ProcessRetry(ctx, func(context.Context, *Item) error {
		panic("operation blew up")
	})
	if err != nil {
		t.Fatalf("panic must not propagate: %v", err)
	}
	if res.Status != StatusRetrying {
		t.Fatalf("status = %q, want retrying after panic", res.Status)
	}
}

func TestProcessRetryEmptyQueue(t *testing.T) {
	q := newTestQueue(t, Options{})
	if _, err := q.ProcessRetry(context.Background(), func(context.Context, *Item) error { return nil }); !errors.Is(err, ErrNoItem) {
		t.Fatalf("expected ErrNoItem, got %v", err)
	}
}

func TestProcessAllReady(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, TypeLookup, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	time.Sleep(5 * time.Millisecond)

	results, err := q.ProcessAllReady(ctx, func(context.Context, *Item) error { return nil })
	if err != nil {
		t.Fatalf("ProcessAllReady: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("processed %d items, want 3", len(results))
	}
	for _, res := range results {
		if res.Status != StatusSuccess {
			t.Fatalf("status = %q, want success", res.Status)
		}
	}

	size, _ := q.QueueSize(ctx)
	if size != 0 {
		t.Fatalf("size = %d after drain, want 0", size)
	}
}

func TestSessionIsolation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	qa, err := New(db, testLogger(), "campaign-a", Options{BaseDelay: time.Nanosecond})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	qb, err := New(db, testLogger(), "campaign-b", Options{BaseDelay: time.Nanosecond})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	if _, err := qa.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := qb.Dequeue(ctx); !errors.Is(err, ErrNoItem) {
		t.Fatalf("campaign-b must not see campaign-a items, got %v", err)
	}
	if _, err := qa.Dequeue(ctx); err != nil {
		t.Fatalf("campaign-a dequeue: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{BaseDelay: time.Nanosecond})

	if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, TypeNavigation, nil, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByType[TypeLookup] != 2 || stats.ByType[TypeNavigation] != 1 {
		t.Fatalf("by type = %v", stats.ByType)
	}
	if stats.ByAttempts[0] != 2 || stats.ByAttempts[1] != 1 {
		t.Fatalf("by attempts = %v", stats.ByAttempts)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(ctx, TypeLookup, nil, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	size, err := q.QueueSize(ctx)
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if size != 0 {
		t.Fatalf("size = %d after clear, want 0", size)
	}
}
