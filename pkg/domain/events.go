// Package domain defines the fluxline entities, their enums and their
// invariants. Every boundary input is validated here before any component
// acts on it.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the normalized classification of an upstream event.
type EventKind string

const (
	EventCommit       EventKind = "commit"
	EventPush         EventKind = "push"
	EventBranchCreate EventKind = "branch_create"
	EventBranchDelete EventKind = "branch_delete"
	EventMerge        EventKind = "merge"
	EventTagCreate    EventKind = "tag_create"
	EventTagDelete    EventKind = "tag_delete"
	EventPullRequest  EventKind = "pull_request"
	EventFork         EventKind = "fork"
	EventWebhookRaw   EventKind = "webhook_raw"
)

// Event is the uniform representation produced by the poller and the
// webhook parsers. It is the sole input to dynamic workflow generation.
type Event struct {
	ID           string                     `json:"event_id"`
	Kind         EventKind                  `json:"kind"`
	Repository   string                     `json:"repository"`
	Timestamp    time.Time                  `json:"timestamp"`
	Branch       string                     `json:"branch,omitempty"`
	CommitHash   string                     `json:"commit_hash,omitempty"`
	Author       string                     `json:"author,omitempty"`
	Message      string                     `json:"message,omitempty"`
	FilesChanged []string                   `json:"files_changed,omitempty"`
	Data         map[string]json.RawMessage `json:"data,omitempty"`
}

// EventID computes the deterministic identifier for an event: a stable
// SHA-256 over (kind, repository, timestamp, commit hash). The same
// upstream notification always yields the same id, which is the
// idempotency key for ingestion.
func EventID(kind EventKind, repository string, ts time.Time, commitHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", kind, repository, ts.UTC().Unix(), commitHash)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Finalize stamps the deterministic ID and normalizes the timestamp to UTC.
func (e *Event) Finalize() {
	e.Timestamp = e.Timestamp.UTC()
	e.ID = EventID(e.Kind, e.Repository, e.Timestamp, e.CommitHash)
}

// RepositoryState is the poller's watch state for one repository. It is
// mutated only by the poller goroutine that owns the repository.
type RepositoryState struct {
	Repository      string            `json:"repository"`
	Path            string            `json:"path"`
	LastCommits     map[string]string `json:"last_commits"` // branch -> head hash
	LastCheck       time.Time         `json:"last_check"`
	TrackedBranches []string          `json:"tracked_branches"`
	KnownBranches   map[string]bool   `json:"known_branches"`
	KnownTags       map[string]bool   `json:"known_tags"`
}

// WebhookSource identifies the upstream platform a webhook endpoint accepts.
type WebhookSource string

const (
	SourceGitHub      WebhookSource = "github"
	SourceGitLab      WebhookSource = "gitlab"
	SourceJenkins     WebhookSource = "jenkins"
	SourceAzureDevOps WebhookSource = "azure_devops"
	SourceCircleCI    WebhookSource = "circleci"
	SourceBitbucket   WebhookSource = "bitbucket"
	SourceGeneric     WebhookSource = "generic"
)

// WebhookConfig describes one registered webhook endpoint.
type WebhookConfig struct {
	Path            string        `json:"path"`
	Source          WebhookSource `json:"source"`
	Secret          string        `json:"-"`
	Enabled         bool          `json:"enabled"`
	VerifySignature bool          `json:"verify_signature"`
	SupportedEvents []string      `json:"supported_events"`
}

// DefaultSupportedEvents returns the event types accepted per source when a
// webhook configuration does not enumerate its own.
func DefaultSupportedEvents(source WebhookSource) []string {
	switch source {
	case SourceGitHub:
		return []string{"push", "pull_request", "create", "delete", "release", "workflow_run"}
	case SourceGitLab:
		return []string{"Push Hook", "Merge Request Hook", "Tag Push Hook", "Pipeline Hook"}
	case SourceJenkins:
		return []string{"build", "scm_change"}
	case SourceBitbucket:
		return []string{"repo:push", "pullrequest:created", "pullrequest:fulfilled"}
	case SourceAzureDevOps:
		return []string{"git.push", "git.pullrequest.created", "build.complete"}
	case SourceCircleCI:
		return []string{"workflow-completed", "job-completed"}
	default:
		return []string{"*"}
	}
}

// WebhookEvent is the stored form of a received webhook before parsing into
// a normalized Event.
type WebhookEvent struct {
	ID        string            `json:"webhook_id"`
	Source    WebhookSource     `json:"source"`
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Headers   map[string]string `json:"headers"`
}

// WebhookID computes the deterministic identifier for a webhook delivery.
func WebhookID(source WebhookSource, eventType string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", source, eventType)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
