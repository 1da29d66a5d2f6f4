package notify

import (
	"context"

	"leadhunter/internal/botdetect"
)

// Notifier 定义告警通知接口。
type Notifier interface {
	// Send 将一条封锁告警投递给运维人员。
	//
	// 参数:
	//   ctx: 上下文
	//   alert: 告警内容（级别、消息、会话与细节）
	Send(ctx context.Context, alert botdetect.Alert) error
}
