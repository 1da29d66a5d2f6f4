package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadhunter/internal/pkg/metrics"

	"gorm.io/gorm"
)

// 重试项类型
const (
	TypeNavigation = "navigation"
	TypeLookup     = "lookup"
	TypeExtraction = "extraction"
)

// 处理结果状态
const (
	StatusSuccess  = "success"
	StatusRetrying = "retrying"
	StatusFailed   = "failed"
)

var (
	// ErrNoItem 队列中没有到期的重试项。
	ErrNoItem = errors.New("no retry item ready")
	// ErrInvalidType 未知的重试项类型。
	ErrInvalidType = errors.New("invalid retry item type")
)

// Item 是持久化的重试行。
//
// 按 SessionID 分区，一行只属于一个 campaign。出队成功即删除；
// 处理失败且仍有重试余额时以 attempts+1 重新插入为新行。
type Item struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   string    `gorm:"type:varchar(64);not null;index:idx_session_next,priority:1"`
	ItemType    string    `gorm:"type:varchar(16);not null"`
	Payload     string    `gorm:"type:json"`
	Attempts    int       `gorm:"not null;default:0"`
	NextRetryAt time.Time `gorm:"not null;index:idx_session_next,priority:2"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 指定表名。
func (Item) TableName() string { return "retry_items" }

// Migrate 创建重试表（含 (session_id, next_retry_at) 组合索引）。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Item{})
}

// Options 队列配置。
type Options struct {
	MaxRetries int           // 最大重试次数，默认 3
	BaseDelay  time.Duration // 退避基础延迟，默认 1s
}

// Queue 单个 campaign 的持久化重试队列。
//
// 多个 worker 可并发调用 Dequeue/Enqueue；并发正确性完全依赖存储层
// 条件删除的原子性（RowsAffected 判定），进程内不需要额外加锁。
type Queue struct {
	db         *gorm.DB
	sessionID  string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// New 创建队列实例。
func New(db *gorm.DB, logger *slog.Logger, sessionID string, opts Options) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if sessionID == "" {
		return nil, errors.New("session id is empty")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:         db,
		sessionID:  sessionID,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		logger:     logger,
	}, nil
}

// SessionID 返回队列所属的 campaign 标识。
func (q *Queue) SessionID() string { return q.sessionID }

// MaxRetries 返回配置的最大重试次数。
func (q *Queue) MaxRetries() int { return q.maxRetries }

// backoffDelay 计算指数退避延迟：base * 2^attempts。
func (q *Queue) backoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 防止位移溢出，30 次方已远超任何合理的 maxRetries
	if attempts > 30 {
		attempts = 30
	}
	return q.baseDelay * time.Duration(int64(1)<<uint(attempts))
}

// Enqueue 持久化一条重试项并返回带生成 ID 的完整行。
//
// nextRetryTime = now + baseDelay * 2^attempts。写入即持久，无单独的提交步骤。
func (q *Queue) Enqueue(ctx context.Context, itemType string, payload json.RawMessage, attempts int) (*Item, error) {
	switch itemType {
	case TypeNavigation, TypeLookup, TypeExtraction:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, itemType)
	}
	if attempts < 0 {
		attempts = 0
	}

	item := &Item{
		SessionID:   q.sessionID,
		ItemType:    itemType,
		Payload:     string(payload),
		Attempts:    attempts,
		NextRetryAt: time.Now().Add(q.backoffDelay(attempts)),
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("enqueue retry item: %w", err)
	}

	metrics.RetryEnqueueTotal.WithLabelValues(itemType).Inc()
	q.logger.Debug("retry item enqueued",
		slog.Uint64("id", uint64(item.ID)),
		slog.String("type", itemType),
		slog.Int("attempts", attempts),
		slog.Time("next_retry_at", item.NextRetryAt))
	return item, nil
}

// Dequeue 原子地认领并删除到期项中 nextRetryTime 最早的一条。
//
// 认领的原子性由"按 ID 条件删除"保证：RowsAffected == 0 说明该行已被其他
// 消费者抢先删除，继续尝试下一候选。没有到期项时返回 ErrNoItem。
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		var it Item
		err := q.db.WithContext(ctx).
			Where("session_id = ? AND next_retry_at <= ?", q.sessionID, time.Now()).
			Order("next_retry_at asc").
			First(&it).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoItem
		}
		if err != nil {
			return nil, fmt.Errorf("select retry item: %w", err)
		}

		res := q.db.WithContext(ctx).Delete(&Item{}, it.ID)
		if res.Error != nil {
			return nil, fmt.Errorf("claim retry item: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return &it, nil
		}
		// 其他消费者已认领该行，换下一条
	}
}

// Peek 返回 Dequeue 将认领的那一项，但不删除。仅用于检视/监控。
func (q *Queue) Peek(ctx context.Context) (*Item, error) {
	var it Item
	err := q.db.WithContext(ctx).
		Where("session_id = ? AND next_retry_at <= ?", q.sessionID, time.Now()).
		Order("next_retry_at asc").
		First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoItem
	}
	if err != nil {
		return nil, fmt.Errorf("peek retry item: %w", err)
	}
	return &it, nil
}

// ShouldRetry 判断给定的尝试次数是否还有重试余额。
func (q *Queue) ShouldRetry(attempts int) bool {
	return attempts < q.maxRetries
}

// ProcessResult 单次重试处理的结果。
type ProcessResult struct {
	Status        string
	Item          *Item
	FinalAttempts int
	Error         string
}

// Operation 重试项的处理函数。
type Operation func(ctx context.Context, item *Item) error

// ProcessRetry 出队一项并执行 operation。
//
// 成功报告 StatusSuccess；失败且仍可重试时以 attempts+1 重新入队并报告
// StatusRetrying；重试耗尽则丢弃并报告 StatusFailed。三种情况的
// FinalAttempts 均为 item.attempts + 1。没有到期项时返回 ErrNoItem。
func (q *Queue) ProcessRetry(ctx context.Context, op Operation) (*ProcessResult, error) {
	item, err := q.Dequeue(ctx)
	if err != nil {
		return nil, err
	}

	opErr := runOperation(ctx, op, item)
	finalAttempts := item.Attempts + 1

	if opErr == nil {
		metrics.RetryProcessedTotal.WithLabelValues(StatusSuccess).Inc()
		return &ProcessResult{
			Status:        StatusSuccess,
			Item:          item,
			FinalAttempts: finalAttempts,
		}, nil
	}

	if q.ShouldRetry(finalAttempts) {
		if _, enqErr := q.Enqueue(ctx, item.ItemType, json.RawMessage(item.Payload), finalAttempts); enqErr != nil {
			return nil, fmt.Errorf("re-enqueue retry item: %w", enqErr)
		}
		metrics.RetryProcessedTotal.WithLabelValues(StatusRetrying).Inc()
		return &ProcessResult{
			Status:        StatusRetrying,
			Item:          item,
			FinalAttempts: finalAttempts,
			Error:         opErr.Error(),
		}, nil
	}

	q.logger.Warn("retry item exhausted, discarding",
		slog.Uint64("id", uint64(item.ID)),
		slog.String("type", item.ItemType),
		slog.Int("final_attempts", finalAttempts),
		slog.String("error", opErr.Error()))
	metrics.RetryProcessedTotal.WithLabelValues(StatusFailed).Inc()
	return &ProcessResult{
		Status:        StatusFailed,
		Item:          item,
		FinalAttempts: finalAttempts,
		Error:         opErr.Error(),
	}, nil
}

// runOperation 执行处理函数，panic 一律按失败处理。
func runOperation(ctx context.Context, op Operation, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry operation panic: %v", r)
		}
	}()
	return op(ctx, item)
}

// ProcessAllReady 反复调用 ProcessRetry 直到没有到期项，按处理顺序收集结果。
func (q *Queue) ProcessAllReady(ctx context.Context, op Operation) ([]*ProcessResult, error) {
	var results []*ProcessResult
	for {
		res, err := q.ProcessRetry(ctx, op)
		if errors.Is(err, ErrNoItem) {
			return results, nil
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
}

// QueueSize 返回该 campaign 的重试项总数。
func (q *Queue) QueueSize(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&Item{}).
		Where("session_id = ?", q.sessionID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count retry items: %w", err)
	}
	return count, nil
}

// ReadyCount 返回已到期（nextRetryTime <= now）的重试项数量。
func (q *Queue) ReadyCount(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&Item{}).
		Where("session_id = ? AND next_retry_at <= ?", q.sessionID, time.Now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count ready retry items: %w", err)
	}
	return count, nil
}

// AllItems 返回该 campaign 的全部重试项，按 nextRetryTime 升序。
// 只读，用于会话恢复时检视队列内容。
func (q *Queue) AllItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.WithContext(ctx).
		Where("session_id = ?", q.sessionID).
		Order("next_retry_at asc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list retry items: %w", err)
	}
	return items, nil
}

// Stats 队列统计快照。
type Stats struct {
	Total      int64
	Ready      int64
	ByType     map[string]int64
	ByAttempts map[int]int64
}

// GetStats 汇总队列统计：总数、到期数、按类型与按尝试次数分组的数量。
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType:     make(map[string]int64),
		ByAttempts: make(map[int]int64),
	}

	var err error
	if stats.Total, err = q.QueueSize(ctx); err != nil {
		return nil, err
	}
	if stats.Ready, err = q.ReadyCount(ctx); err != nil {
		return nil, err
	}

	type typeRow struct {
		ItemType string
		Count    int64
	}
	var typeRows []typeRow
	err = q.db.WithContext(ctx).Model(&Item{}).
		Select("item_type, count(*) as count").
		Where("session_id = ?", q.sessionID).
		Group("item_type").
		Scan(&typeRows).Error
	if err != nil {
		return nil, fmt.Errorf("group retry items by type: %w", err)
	}
	for _, row := range typeRows {
		stats.ByType[row.ItemType] = row.Count
	}

	type attemptRow struct {
		Attempts int
		Count    int64
	}
	var attemptRows []attemptRow
	err = q.db.WithContext(ctx).Model(&Item{}).
		Select("attempts, count(*) as count").
		Where("session_id = ?", q.sessionID).
		Group("attempts").
		Scan(&attemptRows).Error
	if err != nil {
		return nil, fmt.Errorf("group retry items by attempts: %w", err)
	}
	for _, row := range attemptRows {
		stats.ByAttempts[row.Attempts] = row.Count
	}

	metrics.RetryQueueDepth.Set(float64(stats.Total))
	return stats, nil
}

// Clear 删除该 campaign 的全部重试项。campaign 收尾时调用。
func (q *Queue) Clear(ctx context.Context) error {
	res := q.db.WithContext(ctx).
		Where("session_id = ?", q.sessionID).
		Delete(&Item{})
	if res.Error != nil {
		return fmt.Errorf("clear retry items: %w", res.Error)
	}
	q.logger.Info("retry queue cleared",
		slog.String("session_id", q.sessionID),
		slog.Int64("deleted", res.RowsAffected))
	return nil
}
