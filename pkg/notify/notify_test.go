package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/domain"
)

func captureServer(t *testing.T, status int) (*httptest.Server, *[]byte) {
	t.Helper()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = data
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func testMessage() Message {
	return Message{
		Title:    "Deploy finished",
		Content:  "v1.4.2 is live",
		Severity: SeveritySuccess,
		Fields:   []Field{{Name: "Environment", Value: "production", Short: true}},
		Actions:  []Action{{Label: "View run", URL: "https://ci.example.com/runs/42"}},
	}
}

func TestSendSlackPostsBlocks(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	n := New()

	result := n.SendNotification(context.Background(),
		PlatformConfig{Platform: PlatformSlack, WebhookURL: srv.URL}, testMessage())
	require.True(t, result.Success, result.Error)
	assert.Equal(t, PlatformSlack, result.Platform)

	payload := string(*body)
	assert.Contains(t, payload, "Deploy finished")
	assert.Contains(t, payload, "blocks")
	assert.Contains(t, payload, slackColors[SeveritySuccess])
}

func TestSendTeamsMessageCard(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	n := New()

	result := n.SendNotification(context.Background(),
		PlatformConfig{Platform: PlatformTeams, WebhookURL: srv.URL}, testMessage())
	require.True(t, result.Success, result.Error)

	var card map[string]any
	require.NoError(t, json.Unmarshal(*body, &card))
	assert.Equal(t, "MessageCard", card["@type"])
	assert.Equal(t, teamsThemeColors[SeveritySuccess], card["themeColor"])
	assert.Equal(t, "Deploy finished", card["title"])
	assert.NotEmpty(t, card["potentialAction"])
}

func TestSendDiscordEmbed(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	n := New()

	msg := testMessage()
	msg.Severity = SeverityCritical
	result := n.SendNotification(context.Background(),
		PlatformConfig{Platform: PlatformDiscord, WebhookURL: srv.URL}, msg)
	require.True(t, result.Success, result.Error)

	var payload struct {
		Embeds []struct {
			Title string `json:"title"`
			Color int    `json:"color"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(*body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, discordColors[SeverityCritical], payload.Embeds[0].Color)
	assert.Contains(t, payload.Embeds[0].Title, "Deploy finished")
}

func TestSendGenericWebhook(t *testing.T) {
	srv, body := captureServer(t, http.StatusOK)
	n := New()

	result := n.SendNotification(context.Background(),
		PlatformConfig{Platform: PlatformWebhook, WebhookURL: srv.URL}, testMessage())
	require.True(t, result.Success, result.Error)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(*body, &payload))
	assert.Equal(t, "Deploy finished", payload["title"])
	assert.Equal(t, "success", payload["severity"])
	assert.NotEmpty(t, payload["sent_at"])
}

func TestSendRejectedStatusFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)
	n := New()

	result := n.SendNotification(context.Background(),
		PlatformConfig{Platform: PlatformWebhook, WebhookURL: srv.URL}, testMessage())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "502")
}

func TestSendUnsupportedPlatform(t *testing.T) {
	n := New()
	result := n.SendNotification(context.Background(), PlatformConfig{Platform: "pager"}, testMessage())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unsupported platform")
}

func TestSendEmailSubjectPrefixAndBody(t *testing.T) {
	n := New()
	var sentBody []byte
	var sentTo []string
	n.smtp = func(addr string, auth smtp.Auth, from string, to []string, body []byte) error {
		sentTo = to
		sentBody = body
		return nil
	}

	msg := testMessage()
	msg.Severity = SeverityCritical
	result := n.SendNotification(context.Background(), PlatformConfig{
		Platform: PlatformEmail,
		SMTPHost: "mail.example.com",
		From:     "ci@example.com",
		To:       []string{"ops@example.com"},
	}, msg)
	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.MessageID)

	assert.Equal(t, []string{"ops@example.com"}, sentTo)
	text := string(sentBody)
	assert.Contains(t, text, "Subject: [CRITICAL] Deploy finished")
	assert.Contains(t, text, "Environment: production")
}

func TestSendEmailRequiresConfig(t *testing.T) {
	n := New()
	result := n.SendNotification(context.Background(), PlatformConfig{Platform: PlatformEmail}, testMessage())
	assert.False(t, result.Success)
}

func TestSendMultiPlatformPartialSuccess(t *testing.T) {
	good, _ := captureServer(t, http.StatusOK)
	bad, _ := captureServer(t, http.StatusInternalServerError)
	n := New()

	multi := n.SendMultiPlatform(context.Background(), []PlatformConfig{
		{Platform: PlatformWebhook, WebhookURL: good.URL},
		{Platform: PlatformDiscord, WebhookURL: bad.URL},
	}, testMessage())

	assert.True(t, multi.OverallSuccess, "one success is enough")
	assert.InDelta(t, 0.5, multi.SuccessRate, 1e-9)
	assert.True(t, multi.Results[PlatformWebhook].Success)
	assert.False(t, multi.Results[PlatformDiscord].Success)
}

func TestSendMultiPlatformAllFail(t *testing.T) {
	bad, _ := captureServer(t, http.StatusInternalServerError)
	n := New()

	multi := n.SendMultiPlatform(context.Background(), []PlatformConfig{
		{Platform: PlatformWebhook, WebhookURL: bad.URL},
	}, testMessage())
	assert.False(t, multi.OverallSuccess)
	assert.Zero(t, multi.SuccessRate)
}

func TestWorkflowMessageComposition(t *testing.T) {
	completed := time.Now().UTC()
	e := &domain.WorkflowExecution{
		ExecutionID: "exec-1",
		WorkflowID:  "release",
		Status:      domain.ExecutionFailed,
		Environment: "production",
		Duration:    95 * time.Second,
		CompletedAt: &completed,
		ErrorData:   map[string]string{"stage": "deploy", "message": "image pull failed"},
	}

	msg := WorkflowMessage(e)
	assert.Equal(t, SeverityError, msg.Severity)
	assert.Contains(t, msg.Title, "release")
	assert.Contains(t, msg.Content, "image pull failed")

	var stageField *Field
	for i := range msg.Fields {
		if msg.Fields[i].Name == "Failed stage" {
			stageField = &msg.Fields[i]
		}
	}
	require.NotNil(t, stageField)
	assert.Equal(t, "deploy", stageField.Value)
}

func TestDigestMessageFlagsFlakyPipelines(t *testing.T) {
	msg := DigestMessage("daily", []domain.PipelineEntry{
		{PipelineID: "a", SuccessRate: 0.99},
		{PipelineID: "b", SuccessRate: 0.45},
	})
	assert.Equal(t, SeverityWarning, msg.Severity)
	found := false
	for _, f := range msg.Fields {
		if strings.Contains(f.Value, "b") && f.Name == "Below 90% success" {
			found = true
		}
	}
	assert.True(t, found)
}
