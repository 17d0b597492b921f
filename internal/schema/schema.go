// Package schema holds the explicit, versioned schema registry for the
// fieldstore database. Every table is created from a declared migration;
// nothing is discovered by introspecting live schema state at runtime.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Column describes one column of the observation schema. The reporting
// collaborator uses this to enumerate the partitioned store's shape without
// issuing free-form queries.
type Column struct {
	Name string
	Type string
}

// ObservationColumns returns the logical observation schema, shared by the
// canonical table and every partition segment.
func ObservationColumns() []Column {
	return []Column{
		{"observation_id", "VARCHAR"},
		{"series_code", "VARCHAR"},
		{"tenant_id", "VARCHAR"},
		{"program_id", "VARCHAR"},
		{"site_id", "VARCHAR"},
		{"submission_id", "VARCHAR"},
		{"kind", "VARCHAR"},
		{"observed_at_ms", "BIGINT"},
		{"phase_day", "INTEGER"},
		{"raw_reading", "DOUBLE"},
		{"stage", "VARCHAR"},
		{"progression", "DOUBLE"},
		{"velocity", "DOUBLE"},
		{"flow_rate", "DOUBLE"},
		{"momentum", "DOUBLE"},
		{"trend", "VARCHAR"},
		{"forecast_exhaustion_ms", "BIGINT"},
		{"derived_pending", "BOOLEAN"},
		{"created_at_ms", "BIGINT"},
	}
}

// columnDDL renders the observation columns as DDL.
func columnDDL() string {
	ddl := ""
	for i, c := range ObservationColumns() {
		if i > 0 {
			ddl += ",\n\t\t\t"
		}
		ddl += c.Name + " " + c.Type
	}
	return ddl
}

// SegmentDDL returns the CREATE TABLE statement for a partition segment.
// Segment tables carry the composite primary key (observation_id,
// program_id) so each partition has a local primary key.
func SegmentDDL(tableName string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s,
			PRIMARY KEY (observation_id, program_id)
		)`, tableName, columnDDL())
}

// Migration is one ordered schema change.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Registry is the ordered set of migrations for one database.
type Registry struct {
	migrations []Migration
}

// NewRegistry creates a registry from explicit migrations. Versions must be
// strictly ascending.
func NewRegistry(migrations []Migration) (*Registry, error) {
	last := 0
	for _, m := range migrations {
		if m.Version <= last {
			return nil, fmt.Errorf("migration versions must ascend: %d after %d", m.Version, last)
		}
		last = m.Version
	}
	return &Registry{migrations: migrations}, nil
}

// DefaultRegistry returns the registry for the current release.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry([]Migration{
		{
			Version: 1,
			Name:    "core tables",
			Statements: []string{
				fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS observations (
			%s,
			PRIMARY KEY (observation_id)
		)`, columnDDL()),
				`CREATE SEQUENCE IF NOT EXISTS segment_ids START 1`,
				`
		CREATE TABLE IF NOT EXISTS segment_registry (
			segment_id BIGINT PRIMARY KEY,
			routing_key VARCHAR UNIQUE NOT NULL,
			tenant_id VARCHAR NOT NULL,
			program_id VARCHAR NOT NULL,
			created_at_ms BIGINT NOT NULL,
			row_count BIGINT NOT NULL DEFAULT 0
		)`,
				`
		CREATE TABLE IF NOT EXISTS sync_state (
			key VARCHAR PRIMARY KEY,
			value_ms BIGINT NOT NULL
		)`,
				`
		CREATE TABLE IF NOT EXISTS out_of_sync (
			observation_id VARCHAR NOT NULL,
			program_id VARCHAR NOT NULL,
			attempts INTEGER NOT NULL,
			last_error VARCHAR,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (observation_id, program_id)
		)`,
				SegmentDDL("obs_seg_default"),
			},
		},
		{
			Version: 2,
			Name:    "canonical series index",
			Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_obs_series
					ON observations (program_id, series_code, phase_day)`,
				`CREATE INDEX IF NOT EXISTS idx_obs_observed_at
					ON observations (observed_at_ms)`,
			},
		},
	})
	return r
}

// Versions returns the declared migration versions in order.
func (r *Registry) Versions() []int {
	vs := make([]int, len(r.migrations))
	for i, m := range r.migrations {
		vs[i] = m.Version
	}
	return vs
}

// CurrentVersion returns the highest applied version, or 0 for a fresh
// database.
func (r *Registry) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name VARCHAR NOT NULL,
			applied_at_ms BIGINT NOT NULL
		)`); err != nil {
		return 0, fmt.Errorf("ensure schema_version: %w", err)
	}

	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// Apply runs all pending migrations, each inside its own transaction, and
// returns the number of migrations applied.
func (r *Registry) Apply(ctx context.Context, db *sql.DB) (int, error) {
	current, err := r.CurrentVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := applyOne(ctx, tx, m); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		applied++
	}

	return applied, nil
}

func applyOne(ctx context.Context, tx *sql.Tx, m Migration) error {
	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at_ms) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UnixMilli())
	return err
}

// firstLine collapses a DDL statement to a short single-line summary for
// error messages.
func firstLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60]
	}
	return s
}
