package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// DefaultRetentionPolicies is the built-in policy set. Per-table overrides
// come from system_configuration rows keyed data_retention_<table>_days.
func DefaultRetentionPolicies() []domain.RetentionPolicy {
	return []domain.RetentionPolicy{
		{TableName: "devops_metrics", RetentionDays: 90, DateColumn: "timestamp"},
		{TableName: "workflow_executions", RetentionDays: 180, DateColumn: "started_at"},
		{TableName: "pipeline_executions", RetentionDays: 180, DateColumn: "started_at"},
		{TableName: "quality_gate_executions", RetentionDays: 90, DateColumn: "evaluated_at"},
		{TableName: "risk_assessments", RetentionDays: 180, DateColumn: "assessed_at"},
		{TableName: "notifications", RetentionDays: 30, DateColumn: "sent_at"},
		{TableName: "audit_logs", RetentionDays: 365, DateColumn: "created_at"},
		{TableName: "analytics_aggregations", RetentionDays: 90, DateColumn: "created_at"},
	}
}

// CleanupResult reports one retention pass. Partial success is normal: each
// table contributes either a count or an error.
type CleanupResult struct {
	DryRun    bool             `json:"dry_run"`
	Deleted   map[string]int64 `json:"deleted"`
	Errors    []string         `json:"errors,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// Cleaner deletes rows past their retention horizon.
type Cleaner struct {
	db       *DB
	policies []domain.RetentionPolicy
	log      zerolog.Logger
}

// NewCleaner validates the policy set up front so a bad policy fails at
// startup rather than mid-cleanup.
func NewCleaner(db *DB, policies []domain.RetentionPolicy) (*Cleaner, error) {
	for i := range policies {
		if err := domain.ValidateRetentionPolicy(&policies[i]); err != nil {
			return nil, err
		}
	}
	return &Cleaner{db: db, policies: policies, log: logger.New("retention")}, nil
}

// effectiveDays resolves the horizon for a table, preferring the persisted
// override. Unparseable or non-positive overrides fall back to the default.
func (c *Cleaner) effectiveDays(ctx context.Context, p domain.RetentionPolicy) int {
	var value string
	key := fmt.Sprintf("data_retention_%s_days", p.TableName)
	err := c.db.GetContext(ctx, &value, `SELECT value FROM system_configuration WHERE key = $1`, key)
	if err != nil {
		return p.RetentionDays
	}
	days, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || days <= 0 {
		c.log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid retention override")
		return p.RetentionDays
	}
	return days
}

// Run performs one cleanup pass over every policy. In dry-run mode the
// equivalent COUNT(*) is issued and nothing is deleted. Rows at or newer
// than the horizon are never touched.
func (c *Cleaner) Run(ctx context.Context, dryRun bool) CleanupResult {
	result := CleanupResult{
		DryRun:    dryRun,
		Deleted:   make(map[string]int64, len(c.policies)),
		StartedAt: time.Now().UTC(),
	}

	for _, p := range c.policies {
		days := c.effectiveDays(ctx, p)
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		where := fmt.Sprintf("%s < $1", p.DateColumn)
		if p.Predicate != "" {
			where += " AND (" + strings.ReplaceAll(p.Predicate, "%d", strconv.Itoa(days)) + ")"
		}

		var (
			affected int64
			err      error
		)
		if dryRun {
			query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", p.TableName, where)
			err = c.db.GetContext(ctx, &affected, query, cutoff)
		} else {
			query := fmt.Sprintf("DELETE FROM %s WHERE %s", p.TableName, where)
			var res interface{ RowsAffected() (int64, error) }
			res, err = c.db.ExecContext(ctx, query, cutoff)
			if err == nil {
				affected, err = res.RowsAffected()
			}
		}
		if err != nil {
			wrapped := errors.Newf(errors.KindTransient, "store", "retention cleanup on %s", p.TableName).
				With("cause", err.Error())
			result.Errors = append(result.Errors, wrapped.Error())
			c.log.Error().Err(err).Str("table", p.TableName).Msg("retention cleanup failed")
			continue
		}
		result.Deleted[p.TableName] = affected
		c.log.Info().Str("table", p.TableName).Int64("rows", affected).
			Int("horizon_days", days).Bool("dry_run", dryRun).Msg("retention pass")
	}

	result.Duration = time.Since(result.StartedAt)
	return result
}
