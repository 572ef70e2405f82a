// Package notification delivers operator alerts (login, hourly stats,
// session end, errors) to Telegram, webhooks or the log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{zap.String("title", alert.Title), zap.String("message", alert.Message)}
	switch alert.Level {
	case AlertCritical:
		n.log.Error("alert", fields...)
	case AlertWarning:
		n.log.Warn("alert", fields...)
	default:
		n.log.Info("alert", fields...)
	}
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects the backends built by New.
type Config struct {
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// New always logs alerts and adds Telegram and webhook delivery when configured.
func New(cfg Config, log *zap.Logger) Notifier {
	m := Multi{NewLogNotifier(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m = append(m, NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		m = append(m, NewWebhookNotifier(cfg.WebhookURL))
	}
	return m
}

// Session alerts sent by the connector.

func LoginSuccess(symbols []string, instruments int) Alert {
	return Alert{
		Level:   AlertInfo,
		Title:   "Login successful",
		Message: fmt.Sprintf("Subscribed to %d instruments for %s", instruments, strings.Join(symbols, ", ")),
	}
}

func HourlyStats(totalTicks int64, elapsedHours int, connected, sockets int) Alert {
	return Alert{
		Level:   AlertInfo,
		Title:   fmt.Sprintf("Hourly update (%dh elapsed)", elapsedHours),
		Message: fmt.Sprintf("Total ticks so far: %s, sockets connected: %d/%d", groupThousands(totalTicks), connected, sockets),
	}
}

func SessionEnd(totalTicks int64, symbols int) Alert {
	return Alert{
		Level:   AlertInfo,
		Title:   "Session ended",
		Message: fmt.Sprintf("Total: %s ticks saved across %d symbols.", groupThousands(totalTicks), symbols),
	}
}

func Error(err error) Alert {
	return Alert{Level: AlertCritical, Title: "Error", Message: err.Error()}
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
