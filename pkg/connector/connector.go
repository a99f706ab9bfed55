// Package connector defines the universal CI/CD connector contract and its
// platform adapters. Adapters translate platform-native workflow state into
// the universal descriptor vocabulary.
package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxline/fluxline/pkg/domain"
)

// Connector is the five-operation contract every platform adapter fulfils.
// All operations take a context and may block on network I/O.
type Connector interface {
	// Platform returns the adapter's platform tag.
	Platform() domain.Platform
	// DiscoverWorkflows lists the workflows addressable in a repository.
	DiscoverWorkflows(ctx context.Context, repository string) ([]domain.WorkflowRun, error)
	// TriggerWorkflow starts a workflow on the given branch with optional
	// inputs. Branch defaults to "main" when empty.
	TriggerWorkflow(ctx context.Context, repository, workflowID, branch string, inputs map[string]string) (*domain.TriggerResult, error)
	// GetWorkflowStatus fetches the universal descriptor for a workflow,
	// optionally pinned to a specific run.
	GetWorkflowStatus(ctx context.Context, repository, workflowID, runID string) (*domain.WorkflowRun, error)
	// CancelWorkflow requests cancellation of a run.
	CancelWorkflow(ctx context.Context, repository, runID string) (bool, error)
	// Status reports connector health, including a "connected" boolean and
	// the platform tag.
	Status(ctx context.Context) map[string]any
}

var (
	registryMu sync.RWMutex
	registry   = make(map[domain.Platform]Connector)
)

// Register installs a connector for its platform, replacing any previous
// registration.
func Register(c Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Platform()] = c
}

// Unregister removes a platform's connector.
func Unregister(platform domain.Platform) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, platform)
}

// Get returns the connector registered for a platform.
func Get(platform domain.Platform) (Connector, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[platform]
	return c, ok
}

// Active lists registered connectors in stable platform order.
func Active() []Connector {
	registryMu.RLock()
	defer registryMu.RUnlock()
	platforms := make([]string, 0, len(registry))
	for p := range registry {
		platforms = append(platforms, string(p))
	}
	sort.Strings(platforms)
	out := make([]Connector, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, registry[domain.Platform(p)])
	}
	return out
}
