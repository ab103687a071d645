// Package postgres is the reference SqlExecutor (C6) implementation: a
// database/sql executor over PostgreSQL via pgx's stdlib driver, grounded
// on the same database/sql + pgx/v5/stdlib pairing and idempotent-statement
// style used by the retrieved outbox-worker example.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS consumer_offsets (
	consumer_name TEXT PRIMARY KEY,
	last_committed_offset BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createDataLossTableSQL = `
CREATE TABLE IF NOT EXISTS data_loss (
	id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	kind TEXT NOT NULL,
	start_offset BIGINT NOT NULL,
	end_offset BIGINT NOT NULL,
	estimated_entries_lost INTEGER NOT NULL,
	note TEXT
)`

	loadCheckpointSQL = `SELECT last_committed_offset FROM consumer_offsets WHERE consumer_name = $1`

	upsertCheckpointSQL = `
INSERT INTO consumer_offsets (consumer_name, last_committed_offset, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (consumer_name)
DO UPDATE SET last_committed_offset = EXCLUDED.last_committed_offset, updated_at = now()`

	insertDataLossSQL = `
INSERT INTO data_loss (occurred_at, kind, start_offset, end_offset, estimated_entries_lost, note)
VALUES ($1, $2, $3, $4, $5, $6)`
)

// Executor is the PostgreSQL SqlExecutor. It resolves table names and
// primary-key columns from a *store.Registry, per the descriptor-based
// redesign in spec.md §9(c): the core never hardcodes a PK column name.
type Executor struct {
	db       *sql.DB
	registry *store.Registry
}

// Open connects to dsn and ensures the checkpoint/data-loss tables exist.
func Open(ctx context.Context, dsn string, registry *store.Registry) (*Executor, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, createCheckpointsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: create consumer_offsets: %w", err)
	}
	if _, err := db.ExecContext(ctx, createDataLossTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: create data_loss: %w", err)
	}
	return &Executor{db: db, registry: registry}, nil
}

// Close releases the underlying connection pool.
func (e *Executor) Close() error { return e.db.Close() }

type sqlTx struct{ tx *sql.Tx }

// Begin opens a new transaction.
func (e *Executor) Begin(ctx context.Context) (sqlexec.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &sqlTx{tx: tx}, nil
}

// Commit commits tx.
func (e *Executor) Commit(ctx context.Context, tx sqlexec.Tx) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	return classify(t.tx.Commit())
}

// Rollback aborts tx; rolling back a finished transaction is a no-op.
func (e *Executor) Rollback(ctx context.Context, tx sqlexec.Tx) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(err)
	}
	return nil
}

func asTx(tx sqlexec.Tx) (*sqlTx, error) {
	t, ok := tx.(*sqlTx)
	if !ok || t == nil {
		return nil, errors.New("postgres: invalid tx handle")
	}
	return t, nil
}

// Apply executes entry's mutation. Table and primary-key column names come
// from the entity-type descriptor registry, never from the entry itself.
func (e *Executor) Apply(ctx context.Context, tx sqlexec.Tx, entry wire.Entry) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	desc, ok := e.registry.Lookup(entry.Table)
	if !ok {
		return fmt.Errorf("postgres: unknown entity type %q", entry.Table)
	}

	stmt, args, err := buildStatement(desc, entry)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		return classify(err)
	}
	return nil
}

// buildStatement renders entry's mutation as a parameterized statement
// against desc.TableName, using desc.PrimaryKeyField to resolve the PK
// column for UPDATE/DELETE/UPSERT.
func buildStatement(desc store.EntityTypeDescriptor, entry wire.Entry) (string, []any, error) {
	cols := make([]string, 0, len(entry.Data))
	for col := range entry.Data {
		cols = append(cols, col)
	}

	switch entry.Op {
	case wire.OpInsert:
		return buildInsert(desc.TableName, cols, entry.Data)
	case wire.OpUpsert:
		return buildUpsert(desc.TableName, desc.PrimaryKeyField, cols, entry.Data)
	case wire.OpUpdate:
		return buildUpdate(desc.TableName, desc.PrimaryKeyField, cols, entry.Data)
	case wire.OpDelete:
		return buildDelete(desc.TableName, desc.PrimaryKeyField, entry.Data)
	default:
		return "", nil, fmt.Errorf("postgres: unrecognized op %v", entry.Op)
	}
}

func buildInsert(table string, cols []string, data wire.Fields) (string, []any, error) {
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = scalarArg(data[c])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), quoteIdents(cols), strings.Join(placeholders, ", "))
	return stmt, args, nil
}

func buildUpsert(table, pkField string, cols []string, data wire.Fields) (string, []any, error) {
	if !containsStr(cols, pkField) {
		return "", nil, fmt.Errorf("postgres: upsert into %s missing primary key field %q", table, pkField)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var sets []string
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = scalarArg(data[c])
		if c != pkField {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
		}
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(table), quoteIdents(cols), strings.Join(placeholders, ", "),
		quoteIdent(pkField), strings.Join(sets, ", "),
	)
	return stmt, args, nil
}

func buildUpdate(table, pkField string, cols []string, data wire.Fields) (string, []any, error) {
	pk, ok := data[pkField]
	if !ok {
		return "", nil, fmt.Errorf("postgres: update on %s missing primary key field %q", table, pkField)
	}
	var sets []string
	args := make([]any, 0, len(cols))
	n := 1
	for _, c := range cols {
		if c == pkField {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(c), n))
		args = append(args, scalarArg(data[c]))
		n++
	}
	args = append(args, scalarArg(pk))
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		quoteIdent(table), strings.Join(sets, ", "), quoteIdent(pkField), n)
	return stmt, args, nil
}

func buildDelete(table, pkField string, data wire.Fields) (string, []any, error) {
	pk, ok := data[pkField]
	if !ok {
		return "", nil, fmt.Errorf("postgres: delete on %s missing primary key field %q", table, pkField)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteIdent(table), quoteIdent(pkField))
	return stmt, []any{scalarArg(pk)}, nil
}

func scalarArg(v wire.Value) any {
	switch v.Tag {
	case wire.TagNull:
		return nil
	case wire.TagString:
		return v.Str
	case wire.TagInt64:
		return v.I64
	case wire.TagInt32:
		return v.I32
	case wire.TagFloat64:
		return v.F64
	case wire.TagBool:
		return v.Bool
	default:
		return nil
	}
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// LoadCheckpoint returns consumerName's last committed offset.
func (e *Executor) LoadCheckpoint(ctx context.Context, consumerName string) (types.Offset, bool, error) {
	var raw int64
	err := e.db.QueryRowContext(ctx, loadCheckpointSQL, consumerName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify(err)
	}
	return types.Offset(raw), true, nil
}

// StoreCheckpoint persists consumerName's checkpoint. When tx is non-nil it
// runs inside that transaction; a nil tx runs a standalone statement.
func (e *Executor) StoreCheckpoint(ctx context.Context, tx sqlexec.Tx, consumerName string, offset types.Offset) error {
	if tx == nil {
		_, err := e.db.ExecContext(ctx, upsertCheckpointSQL, consumerName, int64(offset))
		return classify(err)
	}
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, upsertCheckpointSQL, consumerName, int64(offset))
	return classify(err)
}

// RecordDataLoss appends an operator-visible row describing a
// corruption-skip event.
func (e *Executor) RecordDataLoss(ctx context.Context, event types.DataLossEvent) error {
	_, err := e.db.ExecContext(ctx, insertDataLossSQL,
		event.OccurredAt, event.Kind.String(), int64(event.StartOffset), int64(event.EndOffset),
		event.EstimatedEntriesLost, event.Note)
	return classify(err)
}

// classify maps a raw database/sql or pgconn error onto the DbError
// taxonomy from spec.md §7.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation, foreignKeyViolation:
			return &sqlexec.ConstraintError{Err: err}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return &sqlexec.TransientError{Err: err}
	}
	return &sqlexec.FatalError{Err: err}
}
