package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/fluxline/fluxline/pkg/errors"
)

// Severity styling per platform.

var slackColors = map[Severity]string{
	SeverityCritical: "#8B0000",
	SeverityError:    "#E01E5A",
	SeverityWarning:  "#ECB22E",
	SeverityInfo:     "#36C5F0",
	SeveritySuccess:  "#2EB67D",
}

var teamsThemeColors = map[Severity]string{
	SeverityCritical: "8B0000",
	SeverityError:    "FF0000",
	SeverityWarning:  "FFA500",
	SeverityInfo:     "0076D7",
	SeveritySuccess:  "36A64F",
}

var discordColors = map[Severity]int{
	SeverityCritical: 0x992D22,
	SeverityError:    0xE74C3C,
	SeverityWarning:  0xE67E22,
	SeverityInfo:     0x3498DB,
	SeveritySuccess:  0x2ECC71,
}

var severityEmoji = map[Severity]string{
	SeverityCritical: "🚨",
	SeverityError:    "❌",
	SeverityWarning:  "⚠️",
	SeverityInfo:     "ℹ️",
	SeveritySuccess:  "✅",
}

func (n *Notifier) sendSlack(ctx context.Context, cfg PlatformConfig, msg Message) error {
	if cfg.WebhookURL == "" {
		return errors.New(errors.KindValidation, "notify", "slack webhook url is required", nil)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf("%s %s", severityEmoji[msg.Severity], msg.Title), true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Content, false, false), nil, nil),
	}
	if len(msg.Fields) > 0 {
		fieldObjects := make([]*slack.TextBlockObject, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fieldObjects = append(fieldObjects, slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s*\n%s", f.Name, f.Value), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fieldObjects, nil))
	}
	for _, action := range msg.Actions {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("<%s|%s>", action.URL, action.Label), false, false), nil, nil))
	}

	payload := &slack.WebhookMessage{
		Text: msg.Title,
		Attachments: []slack.Attachment{{
			Color:  slackColors[msg.Severity],
			Blocks: slack.Blocks{BlockSet: blocks},
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, cfg.WebhookURL, n.client, payload); err != nil {
		return errors.New(errors.KindUnavailable, "notify", "slack delivery failed", err)
	}
	return nil
}

// teamsPayload builds a legacy MessageCard document.
func teamsPayload(msg Message) map[string]any {
	facts := make([]map[string]string, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		facts = append(facts, map[string]string{"name": f.Name, "value": f.Value})
	}
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    msg.Title,
		"themeColor": teamsThemeColors[msg.Severity],
		"title":      msg.Title,
		"text":       msg.Content,
		"sections": []map[string]any{
			{"facts": facts},
		},
	}
	if len(msg.Actions) > 0 {
		actions := make([]map[string]any, 0, len(msg.Actions))
		for _, a := range msg.Actions {
			actions = append(actions, map[string]any{
				"@type":   "OpenUri",
				"name":    a.Label,
				"targets": []map[string]string{{"os": "default", "uri": a.URL}},
			})
		}
		card["potentialAction"] = actions
	}
	return card
}

// discordPayload builds an embed with the severity color map.
func discordPayload(msg Message) map[string]any {
	fields := make([]map[string]any, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, map[string]any{
			"name":   f.Name,
			"value":  f.Value,
			"inline": f.Short,
		})
	}
	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", severityEmoji[msg.Severity], msg.Title),
		"description": msg.Content,
		"color":       discordColors[msg.Severity],
		"fields":      fields,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	return map[string]any{"embeds": []map[string]any{embed}}
}

// webhookPayload is the generic JSON POST body.
func webhookPayload(msg Message) map[string]any {
	return map[string]any{
		"title":    msg.Title,
		"content":  msg.Content,
		"severity": string(msg.Severity),
		"fields":   msg.Fields,
		"actions":  msg.Actions,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	}
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	if url == "" {
		return errors.New(errors.KindValidation, "notify", "webhook url is required", nil)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.New(errors.KindInternal, "notify", "encode payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.KindInternal, "notify", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.New(errors.KindUnavailable, "notify", "delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return errors.Newf(errors.KindUnavailable, "notify", "delivery rejected with status %d", resp.StatusCode)
	}
	return nil
}
