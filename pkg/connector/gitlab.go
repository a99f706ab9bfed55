package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

const gitlabDefaultBaseURL = "https://gitlab.com"

// GitLabOptions configures the GitLab CI adapter.
type GitLabOptions struct {
	Token   string
	BaseURL string
	// MaxRetryAfter caps how long a 429 Retry-After is honored.
	MaxRetryAfter time.Duration
}

// GitLab speaks the GitLab REST API v4 through one authenticated session
// with a circuit breaker in front of it. The project cache maps
// namespace/path to numeric project id and is advisory.
type GitLab struct {
	http          *http.Client
	baseURL       string
	token         string
	maxRetryAfter time.Duration
	breaker       *gobreaker.CircuitBreaker
	log           zerolog.Logger

	mu           sync.Mutex
	projectCache map[string]int64
}

var _ Connector = (*GitLab)(nil)

// NewGitLab builds the adapter.
func NewGitLab(opts GitLabOptions) *GitLab {
	if opts.BaseURL == "" {
		opts.BaseURL = gitlabDefaultBaseURL
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 30 * time.Second
	}
	return &GitLab{
		http:          &http.Client{Timeout: 30 * time.Second},
		baseURL:       opts.BaseURL,
		token:         opts.Token,
		maxRetryAfter: opts.MaxRetryAfter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gitlab_ci",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:          logger.New("gitlab_ci"),
		projectCache: make(map[string]int64),
	}
}

// Platform implements Connector.
func (g *GitLab) Platform() domain.Platform { return domain.PlatformGitLabCI }

// mapGitLabStatus maps native pipeline states into the universal vocabulary.
func mapGitLabStatus(status string) domain.WorkflowStatus {
	switch status {
	case "success":
		return domain.StatusSuccess
	case "failed":
		return domain.StatusFailed
	case "running":
		return domain.StatusRunning
	case "canceled", "cancelled":
		return domain.StatusCancelled
	case "skipped":
		return domain.StatusSkipped
	case "created", "pending", "preparing", "waiting_for_resource", "manual", "scheduled":
		return domain.StatusQueued
	}
	return domain.StatusUnknown
}

type gitlabResponse struct {
	code int
	body []byte
}

func (g *GitLab) doOnce(ctx context.Context, method, path string, body any) (*gitlabResponse, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, 0, errors.New(errors.KindUnavailable, "gitlab_ci", "request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	var wait time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		wait = g.maxRetryAfter
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			if d := time.Duration(secs) * time.Second; d < wait {
				wait = d
			}
		}
	}
	return &gitlabResponse{code: resp.StatusCode, body: raw}, wait, nil
}

// do issues a request through the breaker, retrying once on 429 after the
// advertised Retry-After delay.
func (g *GitLab) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	result, err := g.breaker.Execute(func() (any, error) {
		resp, wait, err := g.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if resp.code == http.StatusTooManyRequests {
			g.log.Warn().Dur("retry_after", wait).Str("path", path).Msg("gitlab rate limited")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			if resp, _, err = g.doOnce(ctx, method, path, body); err != nil {
				return nil, err
			}
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, nil, errors.New(errors.KindUnavailable, "gitlab_ci", "circuit open", err)
		}
		return 0, nil, err
	}
	resp := result.(*gitlabResponse)
	return resp.code, resp.body, nil
}

func classifyGitLabStatus(code int, path string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Newf(errors.KindAuth, "gitlab_ci", "request to %s rejected (%d)", path, code)
	case code == http.StatusNotFound:
		return errors.Newf(errors.KindNotFound, "gitlab_ci", "%s not found", path)
	case code == http.StatusTooManyRequests:
		return errors.Newf(errors.KindRateLimited, "gitlab_ci", "rate limited on %s", path)
	case code >= 500:
		return errors.Newf(errors.KindUnavailable, "gitlab_ci", "upstream error %d on %s", code, path)
	}
	return nil
}

// projectID resolves and caches the numeric id for namespace/path.
func (g *GitLab) projectID(ctx context.Context, repository string) (int64, error) {
	g.mu.Lock()
	id, ok := g.projectCache[repository]
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	path := "/projects/" + url.PathEscape(repository)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	if err := classifyGitLabStatus(code, path); err != nil {
		return 0, err
	}
	var project struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &project); err != nil {
		return 0, errors.New(errors.KindInternal, "gitlab_ci", "decode project", err)
	}

	g.mu.Lock()
	g.projectCache[repository] = project.ID
	g.mu.Unlock()
	return project.ID, nil
}

type gitlabPipeline struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (g *GitLab) pipelineToUniversal(repository string, p gitlabPipeline) domain.WorkflowRun {
	id := strconv.FormatInt(p.ID, 10)
	return domain.WorkflowRun{
		ID:         id,
		Name:       fmt.Sprintf("pipeline-%s", id),
		Platform:   domain.PlatformGitLabCI,
		Status:     mapGitLabStatus(p.Status),
		Repository: repository,
		Branch:     p.Ref,
		CommitSHA:  p.SHA,
		URL:        p.WebURL,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// DiscoverWorkflows implements Connector: recent pipelines, newest first.
func (g *GitLab) DiscoverWorkflows(ctx context.Context, repository string) ([]domain.WorkflowRun, error) {
	id, err := g.projectID(ctx, repository)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/projects/%d/pipelines?per_page=20&order_by=id&sort=desc", id)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyGitLabStatus(code, path); err != nil {
		return nil, err
	}
	var pipelines []gitlabPipeline
	if err := json.Unmarshal(raw, &pipelines); err != nil {
		return nil, errors.New(errors.KindInternal, "gitlab_ci", "decode pipelines", err)
	}
	out := make([]domain.WorkflowRun, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, g.pipelineToUniversal(repository, p))
	}
	return out, nil
}

// TriggerWorkflow implements Connector: POST /projects/{id}/pipeline with
// ref and a key/value variables array.
func (g *GitLab) TriggerWorkflow(ctx context.Context, repository, workflowID, branch string, inputs map[string]string) (*domain.TriggerResult, error) {
	if branch == "" {
		branch = "main"
	}
	id, err := g.projectID(ctx, repository)
	if err != nil {
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: err.Error()}, err
	}

	variables := make([]map[string]string, 0, len(inputs))
	for k, v := range inputs {
		variables = append(variables, map[string]string{"key": k, "value": v})
	}
	body := map[string]any{"ref": branch}
	if len(variables) > 0 {
		body["variables"] = variables
	}

	path := fmt.Sprintf("/projects/%d/pipeline", id)
	code, raw, err := g.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: err.Error()}, err
	}
	if err := classifyGitLabStatus(code, path); err != nil {
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: err.Error()}, err
	}

	var pipeline gitlabPipeline
	if err := json.Unmarshal(raw, &pipeline); err != nil {
		return nil, errors.New(errors.KindInternal, "gitlab_ci", "decode pipeline", err)
	}
	return &domain.TriggerResult{
		Success:    true,
		WorkflowID: workflowID,
		RunID:      strconv.FormatInt(pipeline.ID, 10),
		URL:        pipeline.WebURL,
		Metadata:   map[string]string{"branch": branch},
	}, nil
}

// GetWorkflowStatus implements Connector. The workflow id is the pipeline
// id; runID, when present, takes precedence.
func (g *GitLab) GetWorkflowStatus(ctx context.Context, repository, workflowID, runID string) (*domain.WorkflowRun, error) {
	pipelineID := workflowID
	if runID != "" {
		pipelineID = runID
	}
	id, err := g.projectID(ctx, repository)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/projects/%d/pipelines/%s", id, pipelineID)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyGitLabStatus(code, path); err != nil {
		return nil, err
	}
	var pipeline gitlabPipeline
	if err := json.Unmarshal(raw, &pipeline); err != nil {
		return nil, errors.New(errors.KindInternal, "gitlab_ci", "decode pipeline", err)
	}
	run := g.pipelineToUniversal(repository, pipeline)
	return &run, nil
}

// CancelWorkflow implements Connector.
func (g *GitLab) CancelWorkflow(ctx context.Context, repository, runID string) (bool, error) {
	id, err := g.projectID(ctx, repository)
	if err != nil {
		return false, err
	}
	path := fmt.Sprintf("/projects/%d/pipelines/%s/cancel", id, runID)
	code, _, err := g.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return false, err
	}
	if err := classifyGitLabStatus(code, path); err != nil {
		return false, err
	}
	return code == http.StatusOK, nil
}

// Status implements Connector.
func (g *GitLab) Status(ctx context.Context) map[string]any {
	status := map[string]any{"platform": string(domain.PlatformGitLabCI), "connected": false}
	code, raw, err := g.do(ctx, http.MethodGet, "/user", nil)
	if err != nil || classifyGitLabStatus(code, "/user") != nil {
		return status
	}
	var user struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &user); err == nil {
		status["user"] = user.Username
	}
	status["connected"] = true
	return status
}
