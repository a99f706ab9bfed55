package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/fluxline/fluxline/pkg/domain"
)

// Stage task types produced by the generator.
const (
	TaskCheckout    = "checkout"
	TaskBuild       = "build"
	TaskTest        = "test"
	TaskLint        = "lint"
	TaskImageBuild  = "image_build"
	TaskDeployCheck = "deploy_check"
	TaskNotify      = "notify"
)

// GenerateFromEvent derives a default workflow definition from an event's
// changed files. The heuristics are policy: source changes build and test,
// container changes add an image build, manifest changes add a deploy
// check, and documentation-only changes just lint.
func GenerateFromEvent(e *domain.Event) *domain.WorkflowDefinition {
	var (
		hasSource    bool
		hasContainer bool
		hasManifest  bool
		hasDocs      bool
	)
	for _, f := range e.FilesChanged {
		lower := strings.ToLower(f)
		switch {
		case strings.HasSuffix(lower, ".go") || strings.HasSuffix(lower, ".py") ||
			strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".ts") ||
			strings.HasSuffix(lower, ".java") || strings.HasSuffix(lower, ".rs"):
			hasSource = true
		case strings.Contains(lower, "dockerfile"):
			hasContainer = true
		case strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml"):
			hasManifest = true
		case strings.HasSuffix(lower, ".md") || strings.HasPrefix(lower, "docs/"):
			hasDocs = true
		}
	}

	def := &domain.WorkflowDefinition{
		ID:   fmt.Sprintf("auto-%s", e.ID),
		Name: fmt.Sprintf("auto workflow for %s@%s", e.Repository, e.Branch),
		Nodes: []domain.WorkflowNode{
			{ID: "checkout", Name: "checkout", TaskType: TaskCheckout},
		},
	}
	last := "checkout"

	if hasSource || (!hasContainer && !hasManifest && !hasDocs) {
		def.Nodes = append(def.Nodes,
			domain.WorkflowNode{
				ID: "build", Name: "build", TaskType: TaskBuild,
				DependsOn: []string{"checkout"},
				Retry:     &domain.RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second},
			},
			domain.WorkflowNode{
				ID: "test", Name: "test", TaskType: TaskTest,
				DependsOn: []string{"build"},
				Retry:     &domain.RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second, Jitter: true},
			},
		)
		last = "test"
	}
	if hasDocs {
		def.Nodes = append(def.Nodes, domain.WorkflowNode{
			ID: "lint-docs", Name: "lint docs", TaskType: TaskLint,
			DependsOn: []string{"checkout"}, NonFatal: true,
		})
	}
	if hasContainer {
		def.Nodes = append(def.Nodes, domain.WorkflowNode{
			ID: "image", Name: "build image", TaskType: TaskImageBuild,
			DependsOn: []string{last},
		})
		last = "image"
	}
	if hasManifest {
		def.Nodes = append(def.Nodes, domain.WorkflowNode{
			ID: "deploy-check", Name: "validate deployment", TaskType: TaskDeployCheck,
			DependsOn: []string{last},
		})
		last = "deploy-check"
	}

	def.Nodes = append(def.Nodes, domain.WorkflowNode{
		ID: "notify", Name: "notify", TaskType: TaskNotify,
		DependsOn: []string{last}, NonFatal: true,
	})
	return def
}
