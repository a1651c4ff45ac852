// Package db wraps *sql.DB/*sql.Tx behind a single DB interface so
// call sites never care whether they are inside a transaction, the
// same shape as the teacher's private/tagsql. Driver selection is by
// connection-string scheme, as private/dbutil does for
// postgres://, cockroach://, and sqlite3:// URLs.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/zeebo/errs"
)

// Err is the class for every database plumbing failure (not
// component-specific business errors, which components wrap in their
// own apierror classes).
var Err = errs.Class("db")

// DB is satisfied by both *sql.DB and *sql.Tx, letting query helpers
// accept either without knowing which.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Conn wraps a *sql.DB, adding transaction helpers while still
// satisfying DB directly for non-transactional call sites.
type Conn struct {
	*sql.DB
	driver string
}

var _ DB = (*Conn)(nil)

// Open selects a driver from the connection string's scheme
// (postgres://, sqlite3://) and opens a Conn. A bare sqlite3 path
// (e.g. ":memory:" or a filesystem path) defaults to the sqlite3
// driver for test/dev convenience.
func Open(source string) (*Conn, error) {
	driver, dsn := splitDriver(source)

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return &Conn{DB: sqlDB, driver: driver}, nil
}

func splitDriver(source string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(source, "postgres://"), strings.HasPrefix(source, "postgresql://"):
		return "postgres", source
	case strings.HasPrefix(source, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(source, "sqlite3://")
	default:
		return "sqlite3", source
	}
}

// Driver reports which SQL driver this Conn was opened with.
func (c *Conn) Driver() string { return c.driver }

// WithTx runs fn inside a transaction, committing if fn returns nil
// and rolling back otherwise (including on panic, which it re-panics
// after rollback).
func (c *Conn) WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) (err error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Err.Wrap(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// Rebind rewrites ?-style placeholders to $1, $2, ... for postgres;
// every other driver (sqlite3, the default) accepts ? natively. Call
// sites write queries with ? and pass c.Driver() through this so the
// same statement string works against either backend.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(strconv.Itoa(n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
