package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"leadhunter/internal/botdetect"
	"leadhunter/internal/pkg/metrics"
	"leadhunter/internal/retryqueue"
)

// AbsoluteMaxBatchSize 是批次大小的硬上限。
//
// 这是整个系统最重要的不变量：无论配置如何，单个批次绝不会向目标站点
// 发出超过 5 个条目的请求。在构造边界强制校验，而不只是内部约束。
const AbsoluteMaxBatchSize = 5

const (
	historyWindow           = 10
	defaultMinBatchSize     = 3
	defaultMinDelay         = 2000 * time.Millisecond
	defaultMaxDelay         = 5000 * time.Millisecond
	defaultSuccessThreshold = 0.5
)

var (
	// ErrBatchFull 批次已达当前自适应容量。
	ErrBatchFull = errors.New("batch is full")
	// ErrCeilingExceeded 请求的批次上限超过硬上限 5。
	ErrCeilingExceeded = errors.New("batch ceiling exceeds hard limit")
	// ErrBatchOverflow 批次内条目数超过硬上限，说明上游存在 bug。
	ErrBatchOverflow = errors.New("batch exceeds absolute max size")
)

// WorkItem 批次中的一个工作条目。加入批次后不可变。
type WorkItem struct {
	// Value 不透明的条目标识，例如一个电话号码。
	Value string `json:"value"`
	// CorrelationID 可选的关联 ID，用于跨系统追踪。
	CorrelationID string `json:"correlation_id,omitempty"`
	// Metadata 可选的自由格式元数据。
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result 一个批次处理完成后的产出。
//
// 生命周期：处理周期结束时创建，立即被统计更新消费，之后不再保留
// （只留下滚动历史中的一个布尔值）。
type Result struct {
	Successful  int
	Failed      int
	Results     map[string]string // 仅包含成功条目：标识 -> 结果
	SuccessRate float64
	BatchSize   int
	Elapsed     time.Duration
}

// Processor 处理单个条目的回调。返回 error 即为该条目失败。
type Processor func(ctx context.Context, item WorkItem) (string, error)

// Options 控制器配置。
type Options struct {
	// MaxBatchSize 请求的批次上限。0 表示默认 5；大于 5 时构造失败。
	MaxBatchSize int
	// MinBatchSize 自适应收缩的下限，静默钳制到 [1,5]，默认 3。
	MinBatchSize int
	// MinDelay/MaxDelay 批次间随机延迟区间，默认 [2s,5s]。
	// min > max 或 min < 0 时整体重置为默认值。
	MinDelay time.Duration
	MaxDelay time.Duration
	// SuccessThreshold 成功率阈值，超出 [0,1] 时回退默认 0.5。
	SuccessThreshold float64
	// DisableBotCheck 关闭批前封锁信号检查。
	DisableBotCheck bool
}

// Controller 自适应批次控制器。
//
// 单流设计：一个实例同一时刻只有一个批次在处理，批内条目严格串行。
// 串行 + 随机批间延迟本身就是避免触发反爬的限速机制，是刻意的行为约束。
// currentSize 在实例生命周期内单调不增（除非显式 Reset）。
type Controller struct {
	mu sync.Mutex

	items       []WorkItem
	currentSize int
	maxSize     int
	minSize     int
	minDelay    time.Duration
	maxDelay    time.Duration
	threshold   float64

	// 滚动历史：最近 10 个批次是否达到成功率阈值，FIFO 淘汰
	history []bool

	batchesProcessed int64
	itemsProcessed   int64
	lastBatchAt      time.Time
	botSignals       int64

	botCheck bool
	detector *botdetect.Detector
	retry    *retryqueue.Queue
	logger   *slog.Logger
}

// New 创建控制器。
//
// 请求的批次上限大于 5 是致命配置错误，构造直接失败；其余参数静默
// 钳制或回退默认值。detector 与 retry 均可为 nil（对应能力关闭）。
func New(logger *slog.Logger, detector *botdetect.Detector, retry *retryqueue.Queue, opts Options) (*Controller, error) {
	if opts.MaxBatchSize > AbsoluteMaxBatchSize {
		return nil, fmt.Errorf("%w: requested %d, max %d",
			ErrCeilingExceeded, opts.MaxBatchSize, AbsoluteMaxBatchSize)
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = AbsoluteMaxBatchSize
	}

	minSize := opts.MinBatchSize
	if minSize <= 0 {
		minSize = defaultMinBatchSize
	}
	if minSize > AbsoluteMaxBatchSize {
		minSize = AbsoluteMaxBatchSize
	}
	if minSize > opts.MaxBatchSize {
		minSize = opts.MaxBatchSize
	}

	minDelay, maxDelay := opts.MinDelay, opts.MaxDelay
	if minDelay == 0 && maxDelay == 0 {
		minDelay, maxDelay = defaultMinDelay, defaultMaxDelay
	}
	if minDelay < 0 || minDelay > maxDelay {
		minDelay, maxDelay = defaultMinDelay, defaultMaxDelay
	}

	threshold := opts.SuccessThreshold
	if threshold == 0 {
		threshold = defaultSuccessThreshold
	}
	if threshold < 0 || threshold > 1 {
		threshold = defaultSuccessThreshold
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		currentSize: opts.MaxBatchSize,
		maxSize:     opts.MaxBatchSize,
		minSize:     minSize,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		threshold:   threshold,
		botCheck:    !opts.DisableBotCheck,
		detector:    detector,
		retry:       retry,
		logger:      logger,
	}
	metrics.BatchSizeCurrent.Set(float64(c.currentSize))
	return c, nil
}

// Add 将条目追加到当前批次。批次已满返回 ErrBatchFull，不做隐式排空。
func (c *Controller) Add(item WorkItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.currentSize {
		return fmt.Errorf("%w: size %d, capacity %d", ErrBatchFull, len(c.items), c.currentSize)
	}
	// 双保险：无论 currentSize 如何，绝不超过硬上限
	if len(c.items) >= AbsoluteMaxBatchSize {
		return fmt.Errorf("%w: size %d", ErrBatchFull, len(c.items))
	}

	c.items = append(c.items, item)
	return nil
}

// IsFull 当前批次是否已达容量。
func (c *Controller) IsFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) >= c.currentSize
}

// IsEmpty 当前批次是否为空。
func (c *Controller) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) == 0
}

// Size 当前批次中的条目数。
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity 当前自适应容量（不是硬上限）。
func (c *Controller) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Clear 清空当前批次，不影响自适应大小与历史。
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// ProcessBatch 处理当前批次。
//
// 流程：批前封锁检查 → 快照批次 → 逐条串行处理 → 失败条目入重试队列 →
// 统计与自适应调整 → 清空批次 → 随机批间延迟。
//
// 批前检查判定中止时，返回全部条目标记为失败的结果，跳过处理与延迟。
// 单条处理失败不会让 ProcessBatch 返回错误；只有硬上限被突破这类
// 不变量破坏才会返回错误。
func (c *Controller) ProcessBatch(ctx context.Context, processor Processor, inspector botdetect.PageInspector, rc *botdetect.ResponseContext) (*Result, error) {
	if processor == nil {
		return nil, errors.New("processor is nil")
	}

	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return &Result{Results: map[string]string{}}, nil
	}
	snapshot := make([]WorkItem, len(c.items))
	copy(snapshot, c.items)
	c.mu.Unlock()

	if abort := c.preBatchCheck(ctx, inspector, rc); abort {
		c.logger.Warn("batch aborted by bot signal check",
			slog.Int("items", len(snapshot)))
		return &Result{
			Failed:    len(snapshot),
			Results:   map[string]string{},
			BatchSize: len(snapshot),
		}, nil
	}

	// 防御性复核：批次超过硬上限说明上游有 bug，直接失败
	if len(snapshot) > AbsoluteMaxBatchSize {
		return nil, fmt.Errorf("%w: %d items", ErrBatchOverflow, len(snapshot))
	}

	start := time.Now()
	results := make(map[string]string, len(snapshot))
	var failed []WorkItem

	// 严格串行，调用顺序等于插入顺序——限速语义依赖这一点
	for _, item := range snapshot {
		value, err := runProcessor(ctx, processor, item)
		if err != nil {
			c.logger.Debug("item processing failed",
				slog.String("item", item.Value),
				slog.String("error", err.Error()))
			metrics.ItemsProcessedTotal.WithLabelValues("failed").Inc()
			failed = append(failed, item)
			continue
		}
		metrics.ItemsProcessedTotal.WithLabelValues("success").Inc()
		results[item.Value] = value
	}

	c.enqueueFailed(ctx, failed)

	outcome := &Result{
		Successful: len(results),
		Failed:     len(failed),
		Results:    results,
		BatchSize:  len(snapshot),
		Elapsed:    time.Since(start),
	}
	if outcome.BatchSize > 0 {
		outcome.SuccessRate = float64(outcome.Successful) / float64(outcome.BatchSize)
	}

	c.recordResult(outcome)
	c.Clear()
	c.sleepBetweenBatches(ctx)

	return outcome, nil
}

// runProcessor 执行单条处理，panic 按该条失败处理。
func runProcessor(ctx context.Context, processor Processor, item WorkItem) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor(ctx, item)
}

// enqueueFailed 将失败条目逐个写入重试队列（lookup 类型，attempts=0）。
// 入队失败只记日志不传播：重试队列不可用不能让整个批次失败。
func (c *Controller) enqueueFailed(ctx context.Context, failed []WorkItem) {
	if c.retry == nil || len(failed) == 0 {
		return
	}
	for _, item := range failed {
		payload, err := json.Marshal(item)
		if err != nil {
			c.logger.Error("marshal failed item for retry",
				slog.String("item", item.Value),
				slog.String("error", err.Error()))
			continue
		}
		if _, err := c.retry.Enqueue(ctx, retryqueue.TypeLookup, payload, 0); err != nil {
			c.logger.Error("enqueue failed item for retry",
				slog.String("item", item.Value),
				slog.String("error", err.Error()))
		}
	}
}

// recordResult 更新累计计数、滚动历史，并执行自适应大小调整。
//
// 调整规则：成功率低于阈值且 currentSize 高于下限时减 1；达到阈值时
// 不做任何调整——大小只会因明确的低成功率事件收缩，绝不会自动恢复。
func (c *Controller) recordResult(outcome *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchesProcessed++
	c.itemsProcessed += int64(outcome.BatchSize)
	c.lastBatchAt = time.Now()

	c.history = append(c.history, outcome.SuccessRate >= c.threshold)
	if len(c.history) > historyWindow {
		c.history = c.history[len(c.history)-historyWindow:]
	}

	if outcome.SuccessRate < c.threshold && c.currentSize > c.minSize {
		c.currentSize--
		c.logger.Info("batch size reduced",
			slog.Float64("success_rate", outcome.SuccessRate),
			slog.Float64("threshold", c.threshold),
			slog.Int("new_size", c.currentSize))
	}

	// 防御性钳制：按已知代码路径不可达，一旦触发属于严重异常，
	// 记录并纠正而不是崩溃
	if c.currentSize > AbsoluteMaxBatchSize {
		c.logger.Error("adaptive size above hard ceiling, forcing back",
			slog.Int("observed", c.currentSize))
		metrics.BatchSizeClampTotal.Inc()
		c.currentSize = AbsoluteMaxBatchSize
	}

	metrics.BatchesProcessedTotal.Inc()
	metrics.BatchSizeCurrent.Set(float64(c.currentSize))
	metrics.BatchSuccessRate.Set(c.rollingSuccessRateLocked())
}

// preBatchCheck 批前封锁信号检查，返回是否中止本批次。
//
// 检查过程中的任何异常都按"无信号"吞掉（fail-open）：
// 分类器的可用性绝不能阻塞抓取。
func (c *Controller) preBatchCheck(ctx context.Context, inspector botdetect.PageInspector, rc *botdetect.ResponseContext) bool {
	if !c.botCheck || c.detector == nil {
		return false
	}

	abort := false
	if inspector != nil {
		res := c.detector.Detect(ctx, inspector)
		if res.Detected {
			c.mu.Lock()
			c.botSignals++
			c.mu.Unlock()

			action := c.detector.HandleCaptcha(res)
			c.logger.Warn("bot signal detected before batch",
				slog.String("method", res.Method),
				slog.String("action", string(action)))
			if rc != nil {
				c.detector.ExecuteAction(ctx, action, rc)
			}

			switch action {
			case botdetect.ActionStopSession, botdetect.ActionPauseAndAlert:
				abort = true
			case botdetect.ActionReduceBatchSize:
				c.clampToMinSize()
			case botdetect.ActionIncreaseDelay:
				c.stretchDelays()
			}
		}
	}

	// 与页面检查无关：滚动历史非空时独立做失败率检测（只会收缩，不中止）
	success, total := c.historyCounts()
	if total > 0 {
		res := c.detector.DetectFailureRate(success, total)
		if res.Detected && res.Action == botdetect.ActionReduceBatchSize {
			c.mu.Lock()
			c.botSignals++
			c.mu.Unlock()
			c.clampToMinSize()
		}
	}

	return abort
}

// clampToMinSize 将 currentSize 直接压到下限（仅当当前更高时）。
func (c *Controller) clampToMinSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentSize > c.minSize {
		c.logger.Info("batch size clamped to minimum",
			slog.Int("from", c.currentSize),
			slog.Int("to", c.minSize))
		c.currentSize = c.minSize
		metrics.BatchSizeCurrent.Set(float64(c.currentSize))
	}
}

// stretchDelays 将批间延迟区间两端同时放大 1.5 倍。
func (c *Controller) stretchDelays() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minDelay = time.Duration(float64(c.minDelay) * 1.5)
	c.maxDelay = time.Duration(float64(c.maxDelay) * 1.5)
	c.logger.Info("inter-batch delay increased",
		slog.Duration("min", c.minDelay),
		slog.Duration("max", c.maxDelay))
}

func (c *Controller) historyCounts() (success, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ok := range c.history {
		if ok {
			success++
		}
	}
	return success, len(c.history)
}

// sleepBetweenBatches 在 [minDelay, maxDelay] 中均匀随机取延迟后等待。
// 批内没有取消语义，但批次已完成后的延迟允许被 ctx 提前打断。
func (c *Controller) sleepBetweenBatches(ctx context.Context) {
	c.mu.Lock()
	minDelay, maxDelay := c.minDelay, c.maxDelay
	c.mu.Unlock()

	delay := minDelay
	if maxDelay > minDelay {
		delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay + 1)))
	}
	metrics.BatchDelaySeconds.Observe(delay.Seconds())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// CurrentDelayRange 返回当前批间延迟区间。
func (c *Controller) CurrentDelayRange() (time.Duration, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minDelay, c.maxDelay
}

// Stats 控制器统计信息快照（普通值类型，可安全拷贝）。
type Stats struct {
	BatchesProcessed   int64
	ItemsProcessed     int64
	CurrentSize        int
	InFlight           int
	RollingSuccessRate float64
	LastBatchAt        time.Time
	MinBatchSize       int
	AbsoluteMax        int
	BotSignals         int64
}

// GetStats 获取统计快照。
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		BatchesProcessed:   c.batchesProcessed,
		ItemsProcessed:     c.itemsProcessed,
		CurrentSize:        c.currentSize,
		InFlight:           len(c.items),
		RollingSuccessRate: c.rollingSuccessRateLocked(),
		LastBatchAt:        c.lastBatchAt,
		MinBatchSize:       c.minSize,
		AbsoluteMax:        AbsoluteMaxBatchSize,
		BotSignals:         c.botSignals,
	}
}

// rollingSuccessRateLocked 计算滚动成功率；空历史定义为 1.0。
// 调用方必须持有 c.mu。
func (c *Controller) rollingSuccessRateLocked() float64 {
	if len(c.history) == 0 {
		return 1.0
	}
	success := 0
	for _, ok := range c.history {
		if ok {
			success++
		}
	}
	return float64(success) / float64(len(c.history))
}

// Reset 清空批次与历史、归零计数，并将自适应大小恢复到构造时的上限。
// 用于两次 campaign 之间复用同一个控制器。
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.currentSize = c.maxSize
	c.history = nil
	c.batchesProcessed = 0
	c.itemsProcessed = 0
	c.botSignals = 0
	c.lastBatchAt = time.Time{}
	metrics.BatchSizeCurrent.Set(float64(c.currentSize))
	c.logger.Info("batch controller reset")
}
