// Package workflow is the internal DAG orchestrator: definitions are
// validated graphs of typed stages, executions schedule ready stages with
// bounded concurrency, and failures flow through per-node retry policies.
package workflow

import (
	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
)

// ValidateDefinition rejects graphs that cannot execute: empty definitions,
// duplicate node ids, dependencies on unknown nodes, and cycles.
func ValidateDefinition(def *domain.WorkflowDefinition) error {
	if def.ID == "" {
		return errors.New(errors.KindValidation, "workflow", "definition id is required", nil).With("field", "id")
	}
	if len(def.Nodes) == 0 {
		return errors.New(errors.KindValidation, "workflow", "definition has no nodes", nil).With("workflow_id", def.ID)
	}

	nodes := make(map[string]*domain.WorkflowNode, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return errors.New(errors.KindValidation, "workflow", "node id is required", nil).With("workflow_id", def.ID)
		}
		if _, dup := nodes[node.ID]; dup {
			return errors.Newf(errors.KindValidation, "workflow", "duplicate node id %q", node.ID).With("workflow_id", def.ID)
		}
		nodes[node.ID] = node
	}

	for _, node := range def.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return errors.Newf(errors.KindValidation, "workflow", "node %q depends on unknown node %q", node.ID, dep).
					With("workflow_id", def.ID)
			}
		}
	}

	if cycle := findCycle(nodes); cycle != "" {
		return errors.Newf(errors.KindValidation, "workflow", "dependency cycle through node %q", cycle).
			With("workflow_id", def.ID)
	}
	return nil
}

// findCycle runs a three-color DFS and returns a node on a cycle, or "".
func findCycle(nodes map[string]*domain.WorkflowNode) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range nodes {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
