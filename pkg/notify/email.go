package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/fluxline/pkg/errors"
)

// smtpSender is swapped out in tests.
type smtpSender func(addr string, auth smtp.Auth, from string, to []string, body []byte) error

func sendSMTP(addr string, auth smtp.Auth, from string, to []string, body []byte) error {
	return smtp.SendMail(addr, auth, from, to, body)
}

var subjectPrefixes = map[Severity]string{
	SeverityCritical: "[CRITICAL]",
	SeverityError:    "[ERROR]",
	SeverityWarning:  "[WARNING]",
	SeverityInfo:     "[INFO]",
	SeveritySuccess:  "[OK]",
}

// emailSubject prefixes the title with the severity marker.
func emailSubject(msg Message) string {
	prefix, ok := subjectPrefixes[msg.Severity]
	if !ok {
		prefix = subjectPrefixes[SeverityInfo]
	}
	return fmt.Sprintf("%s %s", prefix, msg.Title)
}

// emailBody renders a plain-text message with the fields as a simple list.
func emailBody(msg Message) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	b.WriteString("\n")
	for _, f := range msg.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	for _, a := range msg.Actions {
		fmt.Fprintf(&b, "\n%s: %s", a.Label, a.URL)
	}
	return b.String()
}

func (n *Notifier) sendEmail(cfg PlatformConfig, msg Message) (string, error) {
	if cfg.SMTPHost == "" || cfg.From == "" || len(cfg.To) == 0 {
		return "", errors.New(errors.KindValidation, "notify", "smtp host, from and to are required", nil)
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	messageID := fmt.Sprintf("<%s@fluxline>", uuid.NewString())
	headers := []string{
		fmt.Sprintf("From: %s", cfg.From),
		fmt.Sprintf("To: %s", strings.Join(cfg.To, ", ")),
		fmt.Sprintf("Subject: %s", emailSubject(msg)),
		fmt.Sprintf("Message-ID: %s", messageID),
		fmt.Sprintf("Date: %s", time.Now().UTC().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
	}
	body := strings.Join(headers, "\r\n") + "\r\n\r\n" + emailBody(msg)

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, port)
	if err := n.smtp(addr, auth, cfg.From, cfg.To, []byte(body)); err != nil {
		return "", errors.New(errors.KindUnavailable, "notify", "smtp delivery failed", err)
	}
	return messageID, nil
}
