package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadhunter/internal/botdetect"
	"leadhunter/internal/retryqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastOpts 测试用配置：把批间延迟压到可忽略的程度
func fastOpts() Options {
	return Options{
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		DisableBotCheck: true,
	}
}

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(testLogger(), nil, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func newTestRetryQueue(t *testing.T, sessionID string) *retryqueue.Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := retryqueue.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q, err := retryqueue.New(db, testLogger(), sessionID, retryqueue.Options{})
	if err != nil {
		t.Fatalf("new retry queue: %v", err)
	}
	return q
}

func fillBatch(t *testing.T, c *Controller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := c.Add(WorkItem{Value: fmt.Sprintf("item-%d", i)}); err != nil {
			t.Fatalf("Add item %d: %v", i, err)
		}
	}
}

func okProcessor(_ context.Context, item WorkItem) (string, error) {
	return "ok:" + item.Value, nil
}

func failProcessor(_ context.Context, _ WorkItem) (string, error) {
	return "", errors.New("lookup failed")
}

func TestNewRejectsCeilingAboveMax(t *testing.T) {
	_, err := New(testLogger(), nil, nil, Options{MaxBatchSize: 6})
	if !errors.Is(err, ErrCeilingExceeded) {
		t.Fatalf("expected ErrCeilingExceeded, got %v", err)
	}

	c, err := New(testLogger(), nil, nil, Options{MaxBatchSize: 5})
	if err != nil {
		t.Fatalf("MaxBatchSize=5 should be accepted: %v", err)
	}
	if c.Capacity() != 5 {
		t.Fatalf("capacity = %d, want 5", c.Capacity())
	}
}

func TestNewClampsMinBatchSize(t *testing.T) {
	c := newTestController(t, Options{MinBatchSize: 9})
	if got := c.GetStats().MinBatchSize; got != 5 {
		t.Fatalf("min size = %d, want clamp to 5", got)
	}

	c = newTestController(t, Options{MinBatchSize: -2})
	if got := c.GetStats().MinBatchSize; got != 3 {
		t.Fatalf("min size = %d, want default 3", got)
	}
}

func TestAddRejectsWhenFull(t *testing.T) {
	c := newTestController(t, fastOpts())
	fillBatch(t, c, 5)

	if err := c.Add(WorkItem{Value: "overflow"}); !errors.Is(err, ErrBatchFull) {
		t.Fatalf("expected ErrBatchFull, got %v", err)
	}
	if c.Size() != 5 {
		t.Fatalf("size = %d after rejected add, want 5", c.Size())
	}
	if !c.IsFull() {
		t.Fatal("batch should report full")
	}
}

func TestProcessBatchAllSuccess(t *testing.T) {
	c := newTestController(t, fastOpts())
	fillBatch(t, c, 3)

	res, err := c.ProcessBatch(context.Background(), okProcessor, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 3 || res.Failed != 0 {
		t.Fatalf("successful=%d failed=%d, want 3/0", res.Successful, res.Failed)
	}
	if res.SuccessRate != 1.0 {
		t.Fatalf("success rate = %v, want 1.0", res.SuccessRate)
	}
	if got := res.Results["item-1"]; got != "ok:item-1" {
		t.Fatalf("result for item-1 = %q", got)
	}
	if !c.IsEmpty() {
		t.Fatal("batch should be cleared after processing")
	}

	stats := c.GetStats()
	if stats.BatchesProcessed != 1 || stats.ItemsProcessed != 3 {
		t.Fatalf("stats batches=%d items=%d, want 1/3",
			stats.BatchesProcessed, stats.ItemsProcessed)
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	c := newTestController(t, fastOpts())

	res, err := c.ProcessBatch(context.Background(), okProcessor, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 0 || res.Failed != 0 || res.BatchSize != 0 {
		t.Fatalf("unexpected result for empty batch: %+v", res)
	}
	if c.GetStats().BatchesProcessed != 0 {
		t.Fatal("empty batch must not count as processed")
	}
}

func TestProcessBatchSequentialOrder(t *testing.T) {
	c := newTestController(t, fastOpts())
	fillBatch(t, c, 5)

	var order []string
	proc := func(_ context.Context, item WorkItem) (string, error) {
		order = append(order, item.Value)
		return "ok", nil
	}
	if _, err := c.ProcessBatch(context.Background(), proc, nil, nil); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	for i, v := range order {
		want := fmt.Sprintf("item-%d", i)
		if v != want {
			t.Fatalf("call %d processed %q, want %q (must match insertion order)", i, v, want)
		}
	}
}

// 部分失败的批次：5 条中第 1、3、5 条失败，成功率 0.4 低于阈值 0.5，
// 批次大小从 5 收缩到 4。
func TestAdaptiveShrinkOnPartialFailure(t *testing.T) {
	c := newTestController(t, fastOpts())
	fillBatch(t, c, 5)

	proc := func(_ context.Context, item WorkItem) (string, error) {
		switch item.Value {
		case "item-0", "item-2", "item-4":
			return "", errors.New("lookup blocked")
		}
		return "ok:" + item.Value, nil
	}

	res, err := c.ProcessBatch(context.Background(), proc, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 2 || res.Failed != 3 {
		t.Fatalf("successful=%d failed=%d, want 2/3", res.Successful, res.Failed)
	}
	if res.SuccessRate != 0.4 {
		t.Fatalf("success rate = %v, want 0.4", res.SuccessRate)
	}
	if c.Capacity() != 4 {
		t.Fatalf("capacity = %d after 0.4 batch, want shrink to 4", c.Capacity())
	}
}

func TestAdaptiveShrinkStopsAtMinimum(t *testing.T) {
	c := newTestController(t, fastOpts())

	// 连续低成功率批次：5 → 4 → 3，之后停在下限 3
	wantSizes := []int{4, 3, 3, 3}
	for i, want := range wantSizes {
		fillBatch(t, c, 2)
		if _, err := c.ProcessBatch(context.Background(), failProcessor, nil, nil); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if got := c.Capacity(); got != want {
			t.Fatalf("capacity after failing batch %d = %d, want %d", i+1, got, want)
		}
	}
}

func TestSizeNeverRecovers(t *testing.T) {
	c := newTestController(t, fastOpts())

	// 先触发一次收缩
	fillBatch(t, c, 2)
	if _, err := c.ProcessBatch(context.Background(), failProcessor, nil, nil); err != nil {
		t.Fatalf("failing batch: %v", err)
	}
	if c.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", c.Capacity())
	}

	// 之后 10 个全成功批次也不会恢复大小
	for i := 0; i < 10; i++ {
		fillBatch(t, c, 4)
		if _, err := c.ProcessBatch(context.Background(), okProcessor, nil, nil); err != nil {
			t.Fatalf("success batch %d: %v", i, err)
		}
	}
	if c.Capacity() != 4 {
		t.Fatalf("capacity = %d after successes, want shrink-only 4", c.Capacity())
	}
}

func TestRollingHistoryWindow(t *testing.T) {
	c := newTestController(t, fastOpts())

	// 前 5 批全失败，后 10 批全成功。窗口只看最近 10 批。
	for i := 0; i < 5; i++ {
		fillBatch(t, c, 1)
		if _, err := c.ProcessBatch(context.Background(), failProcessor, nil, nil); err != nil {
			t.Fatalf("failing batch %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		fillBatch(t, c, 1)
		if _, err := c.ProcessBatch(context.Background(), okProcessor, nil, nil); err != nil {
			t.Fatalf("success batch %d: %v", i, err)
		}
	}

	stats := c.GetStats()
	if stats.BatchesProcessed != 15 {
		t.Fatalf("batches processed = %d, want 15", stats.BatchesProcessed)
	}
	if stats.RollingSuccessRate != 1.0 {
		t.Fatalf("rolling rate = %v, want 1.0 over last 10", stats.RollingSuccessRate)
	}
}

func TestRollingRateEmptyHistoryIsOne(t *testing.T) {
	c := newTestController(t, fastOpts())
	if got := c.GetStats().RollingSuccessRate; got != 1.0 {
		t.Fatalf("rolling rate with no history = %v, want 1.0", got)
	}
}

func TestFailedItemsGoToRetryQueue(t *testing.T) {
	ctx := context.Background()
	rq := newTestRetryQueue(t, "session-retry")
	c, err := New(testLogger(), nil, rq, fastOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fillBatch(t, c, 4)
	proc := func(_ context.Context, item WorkItem) (string, error) {
		if item.Value == "item-1" || item.Value == "item-3" {
			return "", errors.New("provider timeout")
		}
		return "ok", nil
	}

	res, err := c.ProcessBatch(ctx, proc, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 2 || res.Failed != 2 {
		t.Fatalf("successful=%d failed=%d, want 2/2", res.Successful, res.Failed)
	}

	items, err := rq.AllItems(ctx)
	if err != nil {
		t.Fatalf("AllItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("retry queue holds %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.ItemType != retryqueue.TypeLookup {
			t.Fatalf("retry item type = %q, want %q", it.ItemType, retryqueue.TypeLookup)
		}
		if it.Attempts != 0 {
			t.Fatalf("retry item attempts = %d, want 0", it.Attempts)
		}
	}
}

func TestProcessorPanicCountsAsFailure(t *testing.T) {
	c := newTestController(t, fastOpts())
	fillBatch(t, c, 3)

	proc := func(_ context.Context, item WorkItem) (string, error) {
		if item.Value == "item-1" {
			panic("boom")
		}
		return "ok", nil
	}
	res, err := c.ProcessBatch(context.Background(), proc, nil, nil)
	if err != nil {
		t.Fatalf("ProcessBatch must not propagate item panic: %v", err)
	}
	if res.Successful != 2 || res.Failed != 1 {
		t.Fatalf("successful=%d failed=%d, want 2/1", res.Successful, res.Failed)
	}
}

// abortInspector 总是报告 CAPTCHA 关键词命中
type abortInspector struct{}

func (abortInspector) CurrentURL() (string, error)  { return "https://maps.example.com/search", nil }
func (abortInspector) FullText() (string, error)    { return "please verify you are human", nil }
func (abortInspector) ElementExists(string) (bool, error) { return false, nil }
func (abortInspector) FetchStatus(context.Context, string, time.Duration) (int, error) {
	return 200, nil
}

func TestPreBatchCheckAbortsBatch(t *testing.T) {
	det := botdetect.NewDetector(botdetect.DefaultConfig(), testLogger())
	c, err := New(testLogger(), det, nil, Options{
		MinDelay: time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fillBatch(t, c, 3)

	res, err := c.ProcessBatch(context.Background(), okProcessor, abortInspector{}, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 0 || res.Failed != 3 {
		t.Fatalf("aborted batch: successful=%d failed=%d, want 0/3", res.Successful, res.Failed)
	}
	// 中止的批次不计入统计，条目保留在批次中等待恢复
	if c.GetStats().BatchesProcessed != 0 {
		t.Fatal("aborted batch must not count as processed")
	}
	if c.Size() != 3 {
		t.Fatalf("size = %d after abort, want items retained", c.Size())
	}
	if c.GetStats().BotSignals != 1 {
		t.Fatalf("bot signals = %d, want 1", c.GetStats().BotSignals)
	}
}

func TestDelayStretchOn429(t *testing.T) {
	c := newTestController(t, Options{
		MinDelay:        2000 * time.Millisecond,
		MaxDelay:        5000 * time.Millisecond,
		DisableBotCheck: true,
	})
	c.stretchDelays()

	minDelay, maxDelay := c.CurrentDelayRange()
	if minDelay != 3000*time.Millisecond || maxDelay != 7500*time.Millisecond {
		t.Fatalf("delays = [%v, %v], want [3s, 7.5s]", minDelay, maxDelay)
	}
}

func TestReset(t *testing.T) {
	c := newTestController(t, fastOpts())

	fillBatch(t, c, 2)
	if _, err := c.ProcessBatch(context.Background(), failProcessor, nil, nil); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if c.Capacity() != 4 {
		t.Fatalf("capacity = %d before reset, want 4", c.Capacity())
	}

	c.Reset()
	stats := c.GetStats()
	if c.Capacity() != AbsoluteMaxBatchSize {
		t.Fatalf("capacity = %d after reset, want %d", c.Capacity(), AbsoluteMaxBatchSize)
	}
	if stats.BatchesProcessed != 0 || stats.ItemsProcessed != 0 {
		t.Fatalf("counters not reset: %+v", stats)
	}
	if stats.RollingSuccessRate != 1.0 {
		t.Fatalf("rolling rate = %v after reset, want 1.0", stats.RollingSuccessRate)
	}
}
