package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

const (
	githubDefaultBaseURL   = "https://api.github.com"
	rateLimitProbeInterval = 600 * time.Second
	rateLimitWarnThreshold = 100
)

// GitHubOptions configures the GitHub Actions adapter.
type GitHubOptions struct {
	Token   string
	BaseURL string
	// DispatchWait is how long to wait after a dispatch before looking up
	// the new run. Defaults to 2s.
	DispatchWait time.Duration
}

// GitHub talks to the GitHub Actions API. Caches are per-process and
// advisory; any mutating call invalidates the affected repository's caches.
type GitHub struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
	wait    time.Duration
	log     zerolog.Logger

	mu            sync.Mutex
	workflowCache map[string][]domain.WorkflowRun
	runCache      map[string]domain.WorkflowRun
	lastRateProbe time.Time
}

var _ Connector = (*GitHub)(nil)

// NewGitHub builds the adapter.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.BaseURL == "" {
		opts.BaseURL = githubDefaultBaseURL
	}
	if opts.DispatchWait <= 0 {
		opts.DispatchWait = 2 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &GitHub{
		client:        client,
		baseURL:       opts.BaseURL,
		token:         opts.Token,
		wait:          opts.DispatchWait,
		log:           logger.New("github_actions"),
		workflowCache: make(map[string][]domain.WorkflowRun),
		runCache:      make(map[string]domain.WorkflowRun),
	}
}

// Platform implements Connector.
func (g *GitHub) Platform() domain.Platform { return domain.PlatformGitHubActions }

func (g *GitHub) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, errors.New(errors.KindUnavailable, "github_actions", "request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func classifyGitHubStatus(code int, path string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Newf(errors.KindAuth, "github_actions", "request to %s rejected (%d)", path, code)
	case code == http.StatusNotFound:
		return errors.Newf(errors.KindNotFound, "github_actions", "%s not found", path)
	case code == http.StatusTooManyRequests:
		return errors.Newf(errors.KindRateLimited, "github_actions", "rate limited on %s", path)
	case code >= 500:
		return errors.Newf(errors.KindUnavailable, "github_actions", "upstream error %d on %s", code, path)
	}
	return nil
}

// mapGitHubRunStatus maps native (status, conclusion) into the universal
// vocabulary.
func mapGitHubRunStatus(status, conclusion string) domain.WorkflowStatus {
	switch status {
	case "completed":
		switch conclusion {
		case "success":
			return domain.StatusSuccess
		case "failure":
			return domain.StatusFailed
		case "cancelled":
			return domain.StatusCancelled
		case "skipped":
			return domain.StatusSkipped
		case "timed_out":
			return domain.StatusTimeout
		}
	case "in_progress":
		return domain.StatusRunning
	case "queued":
		return domain.StatusQueued
	}
	return domain.StatusUnknown
}

type githubWorkflow struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

type githubRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (g *GitHub) runToUniversal(repository string, run githubRun) domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:         strconv.FormatInt(run.ID, 10),
		Name:       run.Name,
		Platform:   domain.PlatformGitHubActions,
		Status:     mapGitHubRunStatus(run.Status, run.Conclusion),
		Repository: repository,
		Branch:     run.HeadBranch,
		CommitSHA:  run.HeadSHA,
		URL:        run.HTMLURL,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
}

// DiscoverWorkflows implements Connector.
func (g *GitHub) DiscoverWorkflows(ctx context.Context, repository string) ([]domain.WorkflowRun, error) {
	g.mu.Lock()
	cached, ok := g.workflowCache[repository]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	g.probeRateLimit(ctx)

	path := fmt.Sprintf("/repos/%s/actions/workflows", repository)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyGitHubStatus(code, path); err != nil {
		return nil, err
	}
	var payload struct {
		Workflows []githubWorkflow `json:"workflows"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.New(errors.KindInternal, "github_actions", "decode workflows", err)
	}

	workflows := make([]domain.WorkflowRun, 0, len(payload.Workflows))
	for _, wf := range payload.Workflows {
		workflows = append(workflows, domain.WorkflowRun{
			ID:         strconv.FormatInt(wf.ID, 10),
			Name:       wf.Name,
			Platform:   domain.PlatformGitHubActions,
			Status:     domain.StatusUnknown,
			Repository: repository,
			URL:        wf.HTMLURL,
			Metadata:   map[string]string{"state": wf.State},
		})
	}

	g.mu.Lock()
	g.workflowCache[repository] = workflows
	g.mu.Unlock()
	return workflows, nil
}

// TriggerWorkflow implements Connector: dispatch, then briefly wait for the
// new run to surface and return its id and URL.
func (g *GitHub) TriggerWorkflow(ctx context.Context, repository, workflowID, branch string, inputs map[string]string) (*domain.TriggerResult, error) {
	if branch == "" {
		branch = "main"
	}
	body := map[string]any{"ref": branch}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}

	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", repository, workflowID)
	code, _, err := g.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: err.Error()}, err
	}
	if err := classifyGitHubStatus(code, path); err != nil {
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: err.Error()}, err
	}

	g.invalidate(repository)

	select {
	case <-ctx.Done():
		return &domain.TriggerResult{Success: false, WorkflowID: workflowID, Error: ctx.Err().Error()}, ctx.Err()
	case <-time.After(g.wait):
	}

	result := &domain.TriggerResult{Success: true, WorkflowID: workflowID, Metadata: map[string]string{"branch": branch}}
	if run, err := g.latestRun(ctx, repository, workflowID); err == nil && run != nil {
		result.RunID = run.ID
		result.URL = run.URL
	}
	return result, nil
}

func (g *GitHub) latestRun(ctx context.Context, repository, workflowID string) (*domain.WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/runs?per_page=1", repository, workflowID)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyGitHubStatus(code, path); err != nil {
		return nil, err
	}
	var payload struct {
		WorkflowRuns []githubRun `json:"workflow_runs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if len(payload.WorkflowRuns) == 0 {
		return nil, nil
	}
	run := g.runToUniversal(repository, payload.WorkflowRuns[0])
	g.mu.Lock()
	g.runCache[repository+":"+run.ID] = run
	g.mu.Unlock()
	return &run, nil
}

// GetWorkflowStatus implements Connector.
func (g *GitHub) GetWorkflowStatus(ctx context.Context, repository, workflowID, runID string) (*domain.WorkflowRun, error) {
	if runID == "" {
		return g.latestRun(ctx, repository, workflowID)
	}
	path := fmt.Sprintf("/repos/%s/actions/runs/%s", repository, runID)
	code, raw, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyGitHubStatus(code, path); err != nil {
		return nil, err
	}
	var run githubRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	universal := g.runToUniversal(repository, run)
	return &universal, nil
}

// CancelWorkflow implements Connector.
func (g *GitHub) CancelWorkflow(ctx context.Context, repository, runID string) (bool, error) {
	path := fmt.Sprintf("/repos/%s/actions/runs/%s/cancel", repository, runID)
	code, _, err := g.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return false, err
	}
	if err := classifyGitHubStatus(code, path); err != nil {
		return false, err
	}
	g.invalidate(repository)
	return code == http.StatusAccepted, nil
}

// Status implements Connector: connected whenever an authenticated user
// fetch succeeds.
func (g *GitHub) Status(ctx context.Context) map[string]any {
	status := map[string]any{"platform": string(domain.PlatformGitHubActions), "connected": false}
	code, raw, err := g.do(ctx, http.MethodGet, "/user", nil)
	if err != nil || classifyGitHubStatus(code, "/user") != nil {
		return status
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(raw, &user); err == nil {
		status["user"] = user.Login
	}
	status["connected"] = true
	return status
}

// probeRateLimit checks the remaining core quota at most once per probe
// interval and warns when it runs low.
func (g *GitHub) probeRateLimit(ctx context.Context) {
	g.mu.Lock()
	if time.Since(g.lastRateProbe) < rateLimitProbeInterval {
		g.mu.Unlock()
		return
	}
	g.lastRateProbe = time.Now()
	g.mu.Unlock()

	code, raw, err := g.do(ctx, http.MethodGet, "/rate_limit", nil)
	if err != nil || code != http.StatusOK {
		return
	}
	var payload struct {
		Resources struct {
			Core struct {
				Remaining int `json:"remaining"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if payload.Resources.Core.Remaining < rateLimitWarnThreshold {
		g.log.Warn().Int("remaining", payload.Resources.Core.Remaining).
			Msg("github core rate limit running low")
	}
}

func (g *GitHub) invalidate(repository string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workflowCache, repository)
	for key := range g.runCache {
		if len(key) > len(repository) && key[:len(repository)] == repository {
			delete(g.runCache, key)
		}
	}
}
