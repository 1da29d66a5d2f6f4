package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"leadhunter/internal/botdetect"
	"leadhunter/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件告警器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送告警邮件。SMTP 未配置或收件人为空时跳过并记录日志，不算错误：
// 告警通道不可用不能反过来影响抓取会话。
func (n *EmailNotifier) Send(ctx context.Context, alert botdetect.Alert) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip alert",
			slog.String("severity", alert.Severity))
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("alert recipient empty, skip alert",
			slog.String("severity", alert.Severity))
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", buildSubject(alert))
	m.SetBody("text/html", buildHTMLBody(alert))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}

	n.logger.Info("alert email sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("severity", alert.Severity))
	return nil
}

func buildSubject(alert botdetect.Alert) string {
	switch alert.Severity {
	case botdetect.SeverityCritical:
		return "[LeadHunter] 🚨 CRITICAL: " + alert.Message
	case botdetect.SeverityHigh:
		return "[LeadHunter] ⚠️ HIGH: " + alert.Message
	default:
		return "[LeadHunter] " + alert.Message
	}
}

func buildHTMLBody(alert botdetect.Alert) string {
	color := "#f59e0b"
	if alert.Severity == botdetect.SeverityCritical {
		color = "#ef4444"
	}

	var details strings.Builder
	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&details, `<tr><td style="padding:4px 12px 4px 0;color:#6b7280;">%s</td><td>%s</td></tr>`,
			k, alert.Details[k])
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header" style="background:%s;">[LeadHunter] 封锁告警 · %s</div>
    <div class="content">
      <p>%s</p>
      <table style="font-size:14px;">%s</table>
      <div class="footer">会话: %s</div>
    </div>
  </div>
</body>
</html>`

	session := alert.SessionID
	if session == "" {
		session = "-"
	}
	return fmt.Sprintf(template, color, alert.Severity, alert.Message, details.String(), session)
}
