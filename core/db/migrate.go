package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Action is one migration step's effect: either a batch of SQL
// statements or an arbitrary Go function, matching private/migrate's
// migrate.SQL / migrate.Func split.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db DB, tx DB) error
}

// SQL runs each statement in order within the step's transaction.
type SQL []string

// Run implements Action.
func (stmts SQL) Run(ctx context.Context, log *zap.Logger, db DB, tx DB) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Err.New("migration statement failed: %q: %w", stmt, err)
		}
	}
	return nil
}

// Func adapts an arbitrary function to Action, for migrations that
// need more than raw SQL (e.g. data backfills).
type Func func(ctx context.Context, log *zap.Logger, db DB, tx DB) error

// Run implements Action.
func (f Func) Run(ctx context.Context, log *zap.Logger, db DB, tx DB) error {
	return f(ctx, log, db, tx)
}

// Step is one versioned migration.
type Step struct {
	DB          *Conn
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered set of Steps tracked in Table, applied at
// most once each by ascending Version.
type Migration struct {
	Table string
	Steps []*Step
}

// CurrentVersion returns the highest version recorded in Table, or -1
// if the table doesn't exist yet or holds no rows.
func (m *Migration) CurrentVersion(ctx context.Context, conn *Conn) (int, error) {
	if err := m.ensureTable(ctx, conn); err != nil {
		return -1, err
	}

	var version sql.NullInt64
	row := conn.QueryRowContext(ctx, "SELECT MAX(version) FROM "+m.Table)
	if err := row.Scan(&version); err != nil {
		return -1, Err.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

func (m *Migration) ensureTable(ctx context.Context, conn *Conn) error {
	_, err := conn.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+m.Table+
		" (version int, description text, applied_at timestamp)")
	if err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// Run applies every step whose Version is greater than the table's
// current recorded version, in ascending order, each in its own
// transaction recorded atomically alongside the step's effect.
func (m *Migration) Run(ctx context.Context, log *zap.Logger) error {
	for _, step := range m.Steps {
		current, err := m.CurrentVersion(ctx, step.DB)
		if err != nil {
			return err
		}
		if step.Version <= current {
			continue
		}

		log.Info("applying migration",
			zap.String("table", m.Table),
			zap.Int("version", step.Version),
			zap.String("description", step.Description))

		err = step.DB.WithTx(ctx, func(ctx context.Context, tx DB) error {
			if step.Action != nil {
				if err := step.Action.Run(ctx, log, step.DB, tx); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO "+m.Table+" (version, description, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
				step.Version, step.Description)
			return err
		})
		if err != nil {
			return Err.New("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}
	}
	return nil
}
