package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Rule pairs a JSON condition with a JSON action. Conditions the
// coordinator does not recognize evaluate to true; actions it cannot parse
// are skipped.
type Rule struct {
	Name      string          `json:"name"`
	Condition json.RawMessage `json:"condition"`
	Action    json.RawMessage `json:"action"`
}

type lockKey struct {
	repository string
	platform   domain.Platform
}

// PlatformFunc executes the per-platform leg of a coordinated operation.
type PlatformFunc func(ctx context.Context, platform domain.Platform) (any, error)

// Coordinator serializes cross-platform operations on the same
// (repository, platform) pair through in-process resource locks. Locks are
// released on every exit path.
type Coordinator struct {
	log zerolog.Logger

	mu         sync.Mutex
	locks      map[lockKey]map[string]struct{}
	rules      []Rule
	operations []domain.Operation
}

// NewCoordinator builds an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		log:   logger.New("coordinator"),
		locks: make(map[lockKey]map[string]struct{}),
	}
}

// AddRule appends a coordination rule.
func (c *Coordinator) AddRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// Coordinate runs fn once per platform under resource locks. Any platform
// whose lock set is already non-empty fails the whole operation with a
// conflict before anything executes.
func (c *Coordinator) Coordinate(ctx context.Context, opType string, platforms []domain.Platform, repository string, fn PlatformFunc) (*domain.Operation, error) {
	op := &domain.Operation{
		ID:         uuid.NewString(),
		Type:       opType,
		Platforms:  platforms,
		Repository: repository,
		Status:     domain.OperationInProgress,
		StartedAt:  time.Now().UTC(),
		Results:    make(map[domain.Platform]any),
		Errors:     make(map[domain.Platform]string),
	}

	if err := c.reserve(op); err != nil {
		op.Errors["_coordination"] = err.Error()
		op.Complete(domain.OperationFailed)
		c.record(op)
		return op, err
	}
	defer c.release(op)

	c.applyRules(ctx, op)

	succeeded := 0
	for _, platform := range platforms {
		result, err := fn(ctx, platform)
		if err != nil {
			op.Errors[platform] = err.Error()
			continue
		}
		op.Results[platform] = result
		succeeded++
	}

	switch {
	case succeeded == len(platforms):
		op.Complete(domain.OperationSuccess)
	case succeeded > 0:
		op.Complete(domain.OperationPartialSuccess)
	default:
		op.Complete(domain.OperationFailed)
	}
	c.record(op)
	return op, nil
}

// reserve performs the conflict check and lock acquisition atomically.
func (c *Coordinator) reserve(op *domain.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, platform := range op.Platforms {
		key := lockKey{repository: op.Repository, platform: platform}
		if len(c.locks[key]) > 0 {
			return errors.Newf(errors.KindConflict, "coordinator",
				"resource_conflicts: %s on %s is locked by another operation", platform, op.Repository).
				With("repository", op.Repository).
				With("platform", string(platform))
		}
	}
	for _, platform := range op.Platforms {
		key := lockKey{repository: op.Repository, platform: platform}
		if c.locks[key] == nil {
			c.locks[key] = make(map[string]struct{})
		}
		c.locks[key][op.ID] = struct{}{}
	}
	return nil
}

func (c *Coordinator) release(op *domain.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, platform := range op.Platforms {
		key := lockKey{repository: op.Repository, platform: platform}
		delete(c.locks[key], op.ID)
		if len(c.locks[key]) == 0 {
			delete(c.locks, key)
		}
	}
}

// LockHolders lists operation ids currently holding the lock on one
// (repository, platform).
func (c *Coordinator) LockHolders(repository string, platform domain.Platform) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	holders := c.locks[lockKey{repository: repository, platform: platform}]
	out := make([]string, 0, len(holders))
	for id := range holders {
		out = append(out, id)
	}
	return out
}

// Operations snapshots the recorded operation history.
func (c *Coordinator) Operations() []domain.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Operation(nil), c.operations...)
}

func (c *Coordinator) record(op *domain.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, *op)
	if len(c.operations) > 200 {
		c.operations = c.operations[len(c.operations)-200:]
	}
}

type ruleCondition struct {
	Type    string `json:"type"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Pattern string `json:"pattern"`
}

type ruleAction struct {
	Type    string  `json:"type"`
	Seconds float64 `json:"seconds"`
	Message string  `json:"message"`
}

// applyRules evaluates every rule against the operation and runs the
// actions of those whose condition holds.
func (c *Coordinator) applyRules(ctx context.Context, op *domain.Operation) {
	c.mu.Lock()
	rules := append([]Rule(nil), c.rules...)
	c.mu.Unlock()

	for _, rule := range rules {
		if !c.conditionHolds(rule, op) {
			continue
		}
		var action ruleAction
		if err := json.Unmarshal(rule.Action, &action); err != nil {
			c.log.Warn().Str("rule", rule.Name).Msg("skipping unparseable rule action")
			continue
		}
		switch action.Type {
		case "delay":
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(action.Seconds * float64(time.Second))):
			}
		case "log":
			c.log.Info().Str("rule", rule.Name).Str("operation_id", op.ID).Msg(action.Message)
		default:
			c.log.Warn().Str("rule", rule.Name).Str("action", action.Type).Msg("skipping unknown rule action")
		}
	}
}

func (c *Coordinator) conditionHolds(rule Rule, op *domain.Operation) bool {
	var cond ruleCondition
	if err := json.Unmarshal(rule.Condition, &cond); err != nil {
		return true
	}
	switch cond.Type {
	case "platform_count":
		n := len(op.Platforms)
		if cond.Min > 0 && n < cond.Min {
			return false
		}
		if cond.Max > 0 && n > cond.Max {
			return false
		}
		return true
	case "repository_match":
		return strings.Contains(op.Repository, cond.Pattern)
	default:
		// unrecognized condition types are permissive
		return true
	}
}
