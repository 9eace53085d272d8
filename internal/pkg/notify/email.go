// Package notify 发送死信告警邮件。
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"autohunter/internal/config"

	"gopkg.in/gomail.v2"
)

// DeadLetterNotice 是一条告警所需的信息。
type DeadLetterNotice struct {
	Queue        string
	Kind         string
	JobID        string
	AttemptsMade int
	MaxAttempts  int
	Reason       string
	FailedAt     time.Time
}

// Sender 发送已构建好的邮件。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送死信告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	sender Sender
	logger *slog.Logger
}

// NewEmailNotifier 创建邮件通知器，sender 为空时按配置创建 SMTP 连接。
func NewEmailNotifier(cfg *config.EmailConfig, sender Sender, logger *slog.Logger) *EmailNotifier {
	if sender == nil {
		sender = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	}
	return &EmailNotifier{cfg: cfg, sender: sender, logger: logger}
}

// Enabled 在发件配置与收件人齐全时返回 true。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != "" && len(n.recipients()) > 0
}

func (n *EmailNotifier) recipients() []string {
	var out []string
	for _, addr := range strings.Split(n.cfg.AlertTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// NotifyDeadLetter 发送一封死信告警，配置不全时静默跳过。
func (n *EmailNotifier) NotifyDeadLetter(ctx context.Context, notice DeadLetterNotice) error {
	if !n.Enabled() {
		n.logger.Debug("email alert not configured, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.recipients()...)
	m.SetHeader("Subject", fmt.Sprintf("[AutoHunter] dead letter: %s job %s", notice.Kind, notice.JobID))
	m.SetBody("text/html", buildHTMLBody(notice))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("dead letter alert sent",
		slog.String("kind", notice.Kind),
		slog.String("job_id", notice.JobID))
	return nil
}

func buildHTMLBody(n DeadLetterNotice) string {
	const template = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <div style="max-width: 600px; margin: 0 auto; padding: 16px;">
    <h2>Job exhausted its retries</h2>
    <table cellpadding="4">
      <tr><td>Queue</td><td>%s</td></tr>
      <tr><td>Kind</td><td>%s</td></tr>
      <tr><td>Job</td><td>%s</td></tr>
      <tr><td>Attempts</td><td>%d / %d</td></tr>
      <tr><td>Failed at</td><td>%s</td></tr>
    </table>
    <pre style="background: #f3f4f6; padding: 12px; white-space: pre-wrap;">%s</pre>
  </div>
</body>
</html>`
	return fmt.Sprintf(template,
		html.EscapeString(n.Queue),
		html.EscapeString(n.Kind),
		html.EscapeString(n.JobID),
		n.AttemptsMade, n.MaxAttempts,
		n.FailedAt.UTC().Format(time.RFC3339),
		html.EscapeString(n.Reason))
}
