package notify

import (
	"context"
	"log/slog"
	"time"

	"leadhunter/internal/botdetect"
	"leadhunter/internal/pkg/queue"
)

const sendTimeout = 30 * time.Second

// AsyncNotifier 把告警投递放到后台 worker 池执行。
//
// SMTP 往返可能需要数秒，而告警是在批处理的关键路径上触发的，
// 同步发送会拖慢甚至阻塞批次循环。Send 只做入队，立即返回。
type AsyncNotifier struct {
	inner  Notifier
	jobs   *queue.Queue
	logger *slog.Logger
}

// NewAsyncNotifier 包装 inner，通过 jobs 异步投递。jobs 需已 Start。
func NewAsyncNotifier(inner Notifier, jobs *queue.Queue, logger *slog.Logger) *AsyncNotifier {
	return &AsyncNotifier{
		inner:  inner,
		jobs:   jobs,
		logger: logger,
	}
}

// Send 将告警入队后台投递。队列已满时丢弃并记录日志——告警属于尽力而为，
// 绝不反压抓取流程。
func (n *AsyncNotifier) Send(_ context.Context, alert botdetect.Alert) error {
	ok := n.jobs.Enqueue(func(jobCtx context.Context) error {
		sendCtx, cancel := context.WithTimeout(jobCtx, sendTimeout)
		defer cancel()
		return n.inner.Send(sendCtx, alert)
	})
	if !ok {
		n.logger.Warn("alert queue full, alert dropped",
			slog.String("severity", alert.Severity),
			slog.String("message", alert.Message))
	}
	return nil
}
