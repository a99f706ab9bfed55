// Package notify delivers messages to chat, email and webhook targets with
// per-platform formatting and severity styling.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Supported delivery platforms.
const (
	PlatformSlack   = "slack"
	PlatformTeams   = "teams"
	PlatformDiscord = "discord"
	PlatformEmail   = "email"
	PlatformWebhook = "webhook"
)

// Severity levels in increasing urgency order, plus success.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Field is one labeled value attached to a message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// Action is one link offered with a message.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Message is the platform-independent notification content.
type Message struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Severity Severity `json:"severity"`
	Fields   []Field  `json:"fields,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
}

// PlatformConfig is one delivery target. WebhookURL serves slack, teams,
// discord and generic webhook targets; the SMTP fields serve email.
type PlatformConfig struct {
	Platform   string   `json:"platform"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	SMTPHost   string   `json:"smtp_host,omitempty"`
	SMTPPort   int      `json:"smtp_port,omitempty"`
	From       string   `json:"from,omitempty"`
	To         []string `json:"to,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
}

// SendResult is the outcome of one delivery attempt.
type SendResult struct {
	Success   bool      `json:"success"`
	Platform  string    `json:"platform"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}

// MultiResult aggregates one message sent to several platforms.
type MultiResult struct {
	OverallSuccess bool                  `json:"overall_success"`
	SuccessRate    float64               `json:"success_rate"`
	Results        map[string]SendResult `json:"results"`
}

// Notifier sends messages. One instance is safe for concurrent use.
type Notifier struct {
	client *http.Client
	log    zerolog.Logger
	smtp   smtpSender
}

func New() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 15 * time.Second},
		log:    logger.New("notify"),
		smtp:   sendSMTP,
	}
}

// SendNotification formats and delivers one message to one platform. The
// result carries the failure as data; the error return is reserved for
// unusable configuration.
func (n *Notifier) SendNotification(ctx context.Context, cfg PlatformConfig, msg Message) SendResult {
	result := SendResult{Platform: cfg.Platform, SentAt: time.Now().UTC()}

	var err error
	switch cfg.Platform {
	case PlatformSlack:
		err = n.sendSlack(ctx, cfg, msg)
	case PlatformTeams:
		err = n.postJSON(ctx, cfg.WebhookURL, teamsPayload(msg))
	case PlatformDiscord:
		err = n.postJSON(ctx, cfg.WebhookURL, discordPayload(msg))
	case PlatformEmail:
		result.MessageID, err = n.sendEmail(cfg, msg)
	case PlatformWebhook:
		err = n.postJSON(ctx, cfg.WebhookURL, webhookPayload(msg))
	default:
		err = errors.Newf(errors.KindValidation, "notify", "unsupported platform %q", cfg.Platform)
	}

	if err != nil {
		result.Error = err.Error()
		n.log.Warn().Err(err).Str("platform", cfg.Platform).Str("title", msg.Title).Msg("notification failed")
		return result
	}
	result.Success = true
	n.log.Debug().Str("platform", cfg.Platform).Str("title", msg.Title).Msg("notification sent")
	return result
}

// SendMultiPlatform delivers the message to every configured platform, one
// send per iteration. One success is enough for overall success.
func (n *Notifier) SendMultiPlatform(ctx context.Context, configs []PlatformConfig, msg Message) MultiResult {
	multi := MultiResult{Results: make(map[string]SendResult, len(configs))}
	if len(configs) == 0 {
		return multi
	}

	successes := 0
	for _, cfg := range configs {
		result := n.SendNotification(ctx, cfg, msg)
		multi.Results[cfg.Platform] = result
		if result.Success {
			successes++
		}
	}
	multi.OverallSuccess = successes > 0
	multi.SuccessRate = float64(successes) / float64(len(configs))
	return multi
}
