package botdetect

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Action 检测到封锁信号后的应对动作。仅作为控制信号，不做持久化。
type Action string

const (
	ActionPauseAndAlert   Action = "PAUSE_AND_ALERT"
	ActionReduceBatchSize Action = "REDUCE_BATCH_SIZE"
	ActionIncreaseDelay   Action = "INCREASE_DELAY"
	ActionStopSession     Action = "STOP_SESSION"
)

// 告警级别
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert 发给运维人员的告警内容。
type Alert struct {
	Severity  string
	Message   string
	SessionID string
	Details   map[string]string
}

// ResponseContext 动作执行所需的回调能力集合。
//
// 所有回调都是可选的：缺失的回调直接跳过（记录日志），绝不报错。
// 调用方只需提供自己关心的能力。
type ResponseContext struct {
	PauseScraping       func(ctx context.Context) error
	SendAlert           func(ctx context.Context, alert Alert) error
	ReduceBatchSize     func()
	GetCurrentBatchSize func() int
	IncreaseDelay       func()
	GetCurrentDelay     func() time.Duration
	StopSession         func(ctx context.Context) error
}

// ExecuteAction 将动作分发给对应的处理器。
//
// 无法识别的动作值回退到 PAUSE_AND_ALERT 处理器。
func (d *Detector) ExecuteAction(ctx context.Context, action Action, rc *ResponseContext) {
	if rc == nil {
		d.logger.Debug("no response context, action skipped",
			slog.String("action", string(action)))
		return
	}

	switch action {
	case ActionReduceBatchSize:
		d.executeReduceBatchSize(ctx, rc)
	case ActionIncreaseDelay:
		d.executeIncreaseDelay(ctx, rc)
	case ActionStopSession:
		d.executeStopSession(ctx, rc)
	case ActionPauseAndAlert:
		d.executePauseAndAlert(ctx, rc)
	default:
		d.logger.Warn("unknown response action, falling back to pause",
			slog.String("action", string(action)))
		d.executePauseAndAlert(ctx, rc)
	}
}

func (d *Detector) executePauseAndAlert(ctx context.Context, rc *ResponseContext) {
	if rc.PauseScraping != nil {
		if err := rc.PauseScraping(ctx); err != nil {
			d.logger.Error("pause scraping failed", slog.String("error", err.Error()))
		}
	} else {
		d.logger.Debug("pauseScraping callback missing, skipped")
	}
	d.sendAlert(ctx, rc, Alert{
		Severity: SeverityHigh,
		Message:  "bot detection triggered, scraping paused",
	})
}

func (d *Detector) executeReduceBatchSize(ctx context.Context, rc *ResponseContext) {
	before := "unknown"
	after := "unknown"
	if rc.GetCurrentBatchSize != nil {
		before = strconv.Itoa(rc.GetCurrentBatchSize())
	}
	if rc.ReduceBatchSize != nil {
		rc.ReduceBatchSize()
	} else {
		d.logger.Debug("reduceBatchSize callback missing, skipped")
	}
	if rc.GetCurrentBatchSize != nil {
		after = strconv.Itoa(rc.GetCurrentBatchSize())
	}
	d.logger.Info("batch size reduction requested",
		slog.String("before", before),
		slog.String("after", after))
	d.sendAlert(ctx, rc, Alert{
		Severity: SeverityMedium,
		Message:  "batch size reduced after bot signal",
		Details:  map[string]string{"before": before, "after": after},
	})
}

func (d *Detector) executeIncreaseDelay(ctx context.Context, rc *ResponseContext) {
	before := "unknown"
	after := "unknown"
	if rc.GetCurrentDelay != nil {
		before = rc.GetCurrentDelay().String()
	}
	if rc.IncreaseDelay != nil {
		rc.IncreaseDelay()
	} else {
		d.logger.Debug("increaseDelay callback missing, skipped")
	}
	if rc.GetCurrentDelay != nil {
		after = rc.GetCurrentDelay().String()
	}
	d.logger.Info("delay increase requested",
		slog.String("before", before),
		slog.String("after", after))
	d.sendAlert(ctx, rc, Alert{
		Severity: SeverityMedium,
		Message:  "inter-batch delay increased after rate limit signal",
		Details:  map[string]string{"before": before, "after": after},
	})
}

// executeStopSession 告警先于停机发送，确保会话关闭前运维已收到通知。
func (d *Detector) executeStopSession(ctx context.Context, rc *ResponseContext) {
	d.sendAlert(ctx, rc, Alert{
		Severity: SeverityCritical,
		Message:  "stopping scraping session after bot signal",
	})
	if rc.StopSession != nil {
		if err := rc.StopSession(ctx); err != nil {
			d.logger.Error("stop session failed", slog.String("error", err.Error()))
		}
	} else {
		d.logger.Debug("stopSession callback missing, skipped")
	}
}

func (d *Detector) sendAlert(ctx context.Context, rc *ResponseContext, alert Alert) {
	if rc.SendAlert == nil {
		d.logger.Debug("sendAlert callback missing, skipped",
			slog.String("severity", alert.Severity))
		return
	}
	if err := rc.SendAlert(ctx, alert); err != nil {
		d.logger.Error("send alert failed",
			slog.String("severity", alert.Severity),
			slog.String("error", err.Error()))
	}
}

