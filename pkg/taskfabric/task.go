// Package taskfabric is the queue-backed background worker layer: named
// redis-list queues carrying JSON task envelopes with late acknowledgement,
// per-task retry profiles, and lifecycle counters in the KV store.
package taskfabric

import (
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/fluxline/fluxline/pkg/errors"
)

// Default queue names.
const (
	QueueWorkflow      = "workflow"
	QueueAnalytics     = "analytics"
	QueueMonitoring    = "monitoring"
	QueueNotifications = "notifications"
)

// Well-known task names. Retry profiles match on these as prefixes, so
// variants like "analytics_processing_daily" inherit the base profile.
const (
	TaskWorkflowExecution    = "workflow_execution"
	TaskAnalyticsProcessing  = "analytics_processing"
	TaskMonitoringCollection = "monitoring_collection"
	TaskNotificationSending  = "notification_sending"
)

// DefaultQueues lists every queue a worker consumes when none are named.
func DefaultQueues() []string {
	return []string{QueueWorkflow, QueueAnalytics, QueueMonitoring, QueueNotifications}
}

// Task is the JSON envelope placed on a broker queue.
type Task struct {
	ID         string          `json:"task_id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RetryProfile bounds how a failing task is retried. BaseDelay is the
// first countdown; with Backoff each retry doubles it, with Jitter up to
// half the delay is added on top.
type RetryProfile struct {
	MaxRetries int
	BaseDelay  time.Duration
	Backoff    bool
	Jitter     bool
}

var retryProfiles = []struct {
	prefix  string
	profile RetryProfile
}{
	{"workflow_execution", RetryProfile{MaxRetries: 3, BaseDelay: 60 * time.Second, Backoff: true, Jitter: true}},
	{"analytics_processing", RetryProfile{MaxRetries: 5, BaseDelay: 30 * time.Second, Backoff: true}},
	{"monitoring_collection", RetryProfile{MaxRetries: 2, BaseDelay: 10 * time.Second}},
	{"notification_sending", RetryProfile{MaxRetries: 3, BaseDelay: 5 * time.Second, Backoff: true, Jitter: true}},
}

var defaultProfile = RetryProfile{MaxRetries: 3, BaseDelay: 60 * time.Second, Backoff: true, Jitter: true}

// ProfileFor resolves the retry profile from the task name prefix.
func ProfileFor(name string) RetryProfile {
	for _, p := range retryProfiles {
		if strings.HasPrefix(name, p.prefix) {
			return p.profile
		}
	}
	return defaultProfile
}

// Delay returns the countdown before the given retry attempt (1-based).
func (p RetryProfile) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if p.Backoff && attempt > 1 {
		delay = p.BaseDelay << (attempt - 1)
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
	}
	return delay
}

// Retryable reports whether the error class is worth retrying. Anything
// outside the transient classes goes straight to the failure list.
func Retryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindTransient, errors.KindRateLimited, errors.KindTimeout:
		return true
	}
	return false
}
