package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Migration is one schema change, ordered by string version. The checksum
// covers everything that defines the migration, so any in-place edit of an
// already-applied migration is detectable.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
	// UpHook runs inside the same transaction after UpSQL, for data fixups
	// that plain SQL cannot express.
	UpHook func(ctx context.Context, tx *sqlx.Tx) error
}

// Checksum is the stable identity of the migration's content.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", m.Version, m.Name, m.UpSQL, m.DownSQL)))
	return fmt.Sprintf("%x", sum)
}

// AppliedMigration is one row of the migrations table.
type AppliedMigration struct {
	Version     string        `db:"version"`
	Name        string        `db:"name"`
	Checksum    string        `db:"checksum"`
	AppliedAt   time.Time     `db:"applied_at"`
	ExecutionMS int64         `db:"execution_ms"`
	AppliedBy   string        `db:"applied_by"`
	Duration    time.Duration `db:"-"`
}

// Issue types reported by Validate.
const (
	IssueChecksumMismatch = "checksum_mismatch"
	IssueMissingMigration = "missing_migration"
)

// ValidationIssue is one problem found while validating applied migrations.
type ValidationIssue struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Detail  string `json:"detail"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Migrator applies, rolls back, and validates schema migrations.
type Migrator struct {
	db         *DB
	migrations []Migration
	actor      string
	log        zerolog.Logger
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version      TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	checksum     TEXT NOT NULL,
	applied_at   TIMESTAMPTZ NOT NULL,
	execution_ms BIGINT NOT NULL,
	applied_by   TEXT NOT NULL
)`

// NewMigrator builds a migrator over the declared migration set. The set is
// sorted by version; versions must be unique.
func NewMigrator(db *DB, actor string, migrations []Migration) (*Migrator, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, errors.Newf(errors.KindValidation, "store", "duplicate migration version %q", sorted[i].Version)
		}
	}
	return &Migrator{db: db, migrations: sorted, actor: actor, log: logger.New("migrate")}, nil
}

// EnsureTable creates the migrations table when absent.
func (m *Migrator) EnsureTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsTable); err != nil {
		return errors.New(errors.KindPermanent, "store", "create migrations table", err)
	}
	return nil
}

// Applied lists applied migrations ordered by version.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	var rows []AppliedMigration
	err := m.db.SelectContext(ctx, &rows,
		`SELECT version, name, checksum, applied_at, execution_ms, applied_by FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.New(errors.KindTransient, "store", "list applied migrations", err)
	}
	for i := range rows {
		rows[i].Duration = time.Duration(rows[i].ExecutionMS) * time.Millisecond
	}
	return rows, nil
}

// Pending lists declared migrations not yet applied, ordered by version.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		seen[a.Version] = struct{}{}
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := seen[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Validate cross-checks applied rows against the declared set: every
// applied row's checksum must match the declared migration of the same
// version, and no unapplied migration may have a version at or below the
// highest applied one.
func (m *Migrator) Validate(ctx context.Context) (ValidationResult, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return ValidationResult{}, err
	}

	declared := make(map[string]Migration, len(m.migrations))
	for _, mig := range m.migrations {
		declared[mig.Version] = mig
	}

	var issues []ValidationIssue
	maxApplied := ""
	appliedSet := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = struct{}{}
		if a.Version > maxApplied {
			maxApplied = a.Version
		}
		mig, ok := declared[a.Version]
		if !ok {
			issues = append(issues, ValidationIssue{
				Type:    IssueChecksumMismatch,
				Version: a.Version,
				Detail:  "applied migration is no longer declared",
			})
			continue
		}
		if mig.Checksum() != a.Checksum {
			issues = append(issues, ValidationIssue{
				Type:    IssueChecksumMismatch,
				Version: a.Version,
				Detail:  fmt.Sprintf("declared checksum %s differs from applied %s", mig.Checksum(), a.Checksum),
			})
		}
	}
	for _, mig := range m.migrations {
		if _, ok := appliedSet[mig.Version]; !ok && mig.Version <= maxApplied {
			issues = append(issues, ValidationIssue{
				Type:    IssueMissingMigration,
				Version: mig.Version,
				Detail:  "unapplied migration precedes the highest applied version",
			})
		}
	}
	return ValidationResult{Valid: len(issues) == 0, Issues: issues}, nil
}

// Apply runs one migration transactionally: up-statements, optional hook,
// then the bookkeeping row. Any failure rolls the whole migration back.
func (m *Migrator) Apply(ctx context.Context, mig Migration) error {
	start := time.Now()
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
			return errors.Newf(errors.KindPermanent, "store", "migration %s up failed", mig.Version).With("cause", err.Error())
		}
		if mig.UpHook != nil {
			if err := mig.UpHook(ctx, tx); err != nil {
				return errors.Newf(errors.KindPermanent, "store", "migration %s hook failed", mig.Version).With("cause", err.Error())
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, applied_at, execution_ms, applied_by)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			mig.Version, mig.Name, mig.Checksum(), time.Now().UTC(), time.Since(start).Milliseconds(), m.actor)
		if err != nil {
			return errors.Newf(errors.KindPermanent, "store", "record migration %s", mig.Version).With("cause", err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("version", mig.Version).Str("name", mig.Name).
		Dur("took", time.Since(start)).Msg("migration applied")
	return nil
}

// Rollback reverses one applied migration transactionally.
func (m *Migrator) Rollback(ctx context.Context, version string) error {
	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == version {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil {
		return errors.Newf(errors.KindNotFound, "store", "unknown migration version %q", version)
	}
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if mig.DownSQL != "" {
			if _, err := tx.ExecContext(ctx, mig.DownSQL); err != nil {
				return errors.Newf(errors.KindPermanent, "store", "migration %s down failed", version).With("cause", err.Error())
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
			return errors.Newf(errors.KindPermanent, "store", "unrecord migration %s", version).With("cause", err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("version", version).Msg("migration rolled back")
	return nil
}

// MigrateToLatest applies every pending migration in order, stopping at the
// first failure. Already-applied migrations stay recorded.
func (m *Migrator) MigrateToLatest(ctx context.Context) (int, error) {
	return m.MigrateToVersion(ctx, "")
}

// MigrateToVersion applies pending migrations up to and including target
// (empty target means all). When the target sits below the current head,
// applied migrations above it are rolled back newest-first.
func (m *Migrator) MigrateToVersion(ctx context.Context, target string) (int, error) {
	if err := m.EnsureTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0

	if target != "" {
		for i := len(applied) - 1; i >= 0; i-- {
			if applied[i].Version <= target {
				break
			}
			if err := m.Rollback(ctx, applied[i].Version); err != nil {
				return changed, err
			}
			changed++
		}
		if changed > 0 {
			return changed, nil
		}
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		return changed, err
	}
	for _, mig := range pending {
		if target != "" && mig.Version > target {
			break
		}
		if err := m.Apply(ctx, mig); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
