package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fluxline/fluxline/pkg/domain"
)

// epoch anchors events whose payload carries no usable timestamp, keeping
// the derived event id deterministic across repeated deliveries.
var epoch = time.Unix(0, 0).UTC()

// ParseEvent converts a stored webhook into a normalized event using the
// source-specific mapping. A nil event with nil error means the payload is
// valid but carries nothing to normalize.
func ParseEvent(we *domain.WebhookEvent) (*domain.Event, error) {
	switch we.Source {
	case domain.SourceGitHub:
		return parseGitHub(we)
	case domain.SourceGitLab:
		return parseGitLab(we)
	case domain.SourceJenkins:
		return parseJenkins(we)
	default:
		return nil, nil
	}
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05 -0700", "2006-01-02T15:04:05Z0700"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return epoch
}

type githubPush struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	HeadCommit struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"head_commit"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

func parseGitHub(we *domain.WebhookEvent) (*domain.Event, error) {
	switch we.EventType {
	case "push":
		var p githubPush
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return nil, err
		}
		var files []string
		seen := map[string]bool{}
		for _, c := range p.Commits {
			for _, f := range append(append([]string(nil), c.Modified...), c.Added...) {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
		}
		return &domain.Event{
			Kind:         domain.EventPush,
			Repository:   p.Repository.FullName,
			Timestamp:    parseTime(p.HeadCommit.Timestamp),
			Branch:       strings.TrimPrefix(p.Ref, "refs/heads/"),
			CommitHash:   p.After,
			Author:       p.Pusher.Name,
			Message:      p.HeadCommit.Message,
			FilesChanged: files,
		}, nil

	case "pull_request":
		var p struct {
			PullRequest struct {
				Title     string `json:"title"`
				CreatedAt string `json:"created_at"`
				Head      struct {
					Ref string `json:"ref"`
					SHA string `json:"sha"`
				} `json:"head"`
				User struct {
					Login string `json:"login"`
				} `json:"user"`
			} `json:"pull_request"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return nil, err
		}
		return &domain.Event{
			Kind:       domain.EventPullRequest,
			Repository: p.Repository.FullName,
			Timestamp:  parseTime(p.PullRequest.CreatedAt),
			Branch:     p.PullRequest.Head.Ref,
			CommitHash: p.PullRequest.Head.SHA,
			Author:     p.PullRequest.User.Login,
			Message:    p.PullRequest.Title,
		}, nil

	case "create", "delete":
		var p struct {
			Ref     string `json:"ref"`
			RefType string `json:"ref_type"`
			Sender  struct {
				Login string `json:"login"`
			} `json:"sender"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return nil, err
		}
		kind := refEventKind(p.RefType, we.EventType == "create")
		if kind == "" {
			return nil, nil
		}
		return &domain.Event{
			Kind:       kind,
			Repository: p.Repository.FullName,
			Timestamp:  epoch,
			Branch:     p.Ref,
			Author:     p.Sender.Login,
		}, nil
	}
	return nil, nil
}

func refEventKind(refType string, created bool) domain.EventKind {
	switch refType {
	case "branch":
		if created {
			return domain.EventBranchCreate
		}
		return domain.EventBranchDelete
	case "tag":
		if created {
			return domain.EventTagCreate
		}
		return domain.EventTagDelete
	}
	return ""
}

func parseGitLab(we *domain.WebhookEvent) (*domain.Event, error) {
	switch we.EventType {
	case "Push Hook":
		var p struct {
			Ref      string `json:"ref"`
			After    string `json:"after"`
			UserName string `json:"user_name"`
			Project  struct {
				PathWithNamespace string `json:"path_with_namespace"`
			} `json:"project"`
			Commits []struct {
				Timestamp string   `json:"timestamp"`
				Added     []string `json:"added"`
				Modified  []string `json:"modified"`
			} `json:"commits"`
		}
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return nil, err
		}
		var files []string
		ts := epoch
		seen := map[string]bool{}
		for _, c := range p.Commits {
			if c.Timestamp != "" {
				ts = parseTime(c.Timestamp)
			}
			for _, f := range append(append([]string(nil), c.Modified...), c.Added...) {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
		}
		return &domain.Event{
			Kind:         domain.EventPush,
			Repository:   p.Project.PathWithNamespace,
			Timestamp:    ts,
			Branch:       strings.TrimPrefix(p.Ref, "refs/heads/"),
			CommitHash:   p.After,
			Author:       p.UserName,
			FilesChanged: files,
		}, nil

	case "Merge Request Hook":
		var p struct {
			User struct {
				Name string `json:"name"`
			} `json:"user"`
			Project struct {
				PathWithNamespace string `json:"path_with_namespace"`
			} `json:"project"`
			ObjectAttributes struct {
				Title        string `json:"title"`
				SourceBranch string `json:"source_branch"`
				CreatedAt    string `json:"created_at"`
				LastCommit   struct {
					ID string `json:"id"`
				} `json:"last_commit"`
			} `json:"object_attributes"`
		}
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return nil, err
		}
		return &domain.Event{
			Kind:       domain.EventPullRequest,
			Repository: p.Project.PathWithNamespace,
			Timestamp:  parseTime(p.ObjectAttributes.CreatedAt),
			Branch:     p.ObjectAttributes.SourceBranch,
			CommitHash: p.ObjectAttributes.LastCommit.ID,
			Author:     p.User.Name,
			Message:    p.ObjectAttributes.Title,
		}, nil
	}
	return nil, nil
}

func parseJenkins(we *domain.WebhookEvent) (*domain.Event, error) {
	if we.EventType != "build" {
		return nil, nil
	}
	var p struct {
		Name  string `json:"name"`
		Build struct {
			Number int    `json:"number"`
			Status string `json:"status"`
			Phase  string `json:"phase"`
			SCM    struct {
				Branch string `json:"branch"`
				Commit string `json:"commit"`
			} `json:"scm"`
		} `json:"build"`
	}
	if err := json.Unmarshal(we.Payload, &p); err != nil {
		return nil, err
	}
	data := map[string]json.RawMessage{}
	if raw, err := json.Marshal(map[string]any{
		"build_number": p.Build.Number,
		"build_status": p.Build.Status,
		"build_phase":  p.Build.Phase,
	}); err == nil {
		data["build"] = raw
	}
	return &domain.Event{
		Kind:       domain.EventCommit,
		Repository: p.Name,
		Timestamp:  epoch,
		Branch:     p.Build.SCM.Branch,
		CommitHash: p.Build.SCM.Commit,
		Data:       data,
	}, nil
}

// eventType extracts the source-native event type from request headers.
func eventType(source domain.WebhookSource, get func(string) string) string {
	switch source {
	case domain.SourceGitHub:
		return get(headerGitHubEvent)
	case domain.SourceGitLab:
		return get(headerGitLabEvent)
	case domain.SourceJenkins:
		return "build"
	default:
		return "webhook"
	}
}
