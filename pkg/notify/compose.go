package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/fluxline/fluxline/pkg/domain"
)

// WorkflowMessage composes a notification for a finished workflow
// execution.
func WorkflowMessage(e *domain.WorkflowExecution) Message {
	severity := SeveritySuccess
	switch e.Status {
	case domain.ExecutionFailed, domain.ExecutionTimeout:
		severity = SeverityError
	case domain.ExecutionCancelled:
		severity = SeverityWarning
	}

	msg := Message{
		Title:    fmt.Sprintf("Workflow %s %s", e.WorkflowID, e.Status),
		Content:  fmt.Sprintf("Execution %s finished with status %s.", e.ExecutionID, e.Status),
		Severity: severity,
		Fields: []Field{
			{Name: "Workflow", Value: e.WorkflowID, Short: true},
			{Name: "Status", Value: string(e.Status), Short: true},
			{Name: "Duration", Value: e.Duration.Round(time.Second).String(), Short: true},
			{Name: "Environment", Value: e.Environment, Short: true},
		},
	}
	if stage, ok := e.ErrorData["stage"]; ok && stage != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Failed stage", Value: stage, Short: true})
	}
	if detail, ok := e.ErrorData["message"]; ok && detail != "" {
		msg.Content += "\n" + detail
	}
	return msg
}

// AlertMessage composes a notification for one system alert.
func AlertMessage(component, detail string, severity Severity) Message {
	return Message{
		Title:    fmt.Sprintf("Alert: %s", component),
		Content:  detail,
		Severity: severity,
		Fields: []Field{
			{Name: "Component", Value: component, Short: true},
			{Name: "Raised", Value: time.Now().UTC().Format(time.RFC3339), Short: true},
		},
	}
}

// DigestMessage rolls a period's pipeline outcomes into one summary.
func DigestMessage(period string, entries []domain.PipelineEntry) Message {
	total := len(entries)
	healthy := 0
	var flaky []string
	for _, e := range entries {
		if e.SuccessRate >= 0.9 {
			healthy++
		} else {
			flaky = append(flaky, e.PipelineID)
		}
	}

	severity := SeverityInfo
	if total > 0 && healthy < total {
		severity = SeverityWarning
	}

	msg := Message{
		Title:    fmt.Sprintf("Pipeline digest (%s)", period),
		Content:  fmt.Sprintf("%d pipelines tracked, %d healthy.", total, healthy),
		Severity: severity,
		Fields: []Field{
			{Name: "Tracked", Value: fmt.Sprintf("%d", total), Short: true},
			{Name: "Healthy", Value: fmt.Sprintf("%d", healthy), Short: true},
		},
	}
	if len(flaky) > 0 {
		msg.Fields = append(msg.Fields, Field{Name: "Below 90% success", Value: strings.Join(flaky, ", ")})
	}
	return msg
}
