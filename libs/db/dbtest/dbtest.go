// Package dbtest provides in-memory stand-ins for pgx transactions in unit tests.
package dbtest

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx implements pgx.Tx. Methods other than Exec, QueryRow, Commit and Rollback panic.
type Tx struct {
	pgx.Tx

	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	CommitErr error
	OnCommit  func()

	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.ExecFunc == nil {
		return pgconn.NewCommandTag("EXEC 0"), nil
	}
	return t.ExecFunc(ctx, sql, args...)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.QueryRowFunc == nil {
		return Row{Err: pgx.ErrNoRows}
	}
	return t.QueryRowFunc(ctx, sql, args...)
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.committed = true
	if t.OnCommit != nil {
		t.OnCommit()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Beginner implements db.Beginner and keeps every transaction it handed out.
type Beginner struct {
	NewTx    func() *Tx
	BeginErr error

	mu  sync.Mutex
	txs []*Tx
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	if b.BeginErr != nil {
		return nil, b.BeginErr
	}
	tx := &Tx{}
	if b.NewTx != nil {
		tx = b.NewTx()
	}
	b.mu.Lock()
	b.txs = append(b.txs, tx)
	b.mu.Unlock()
	return tx, nil
}

func (b *Beginner) Txs() []*Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Tx(nil), b.txs...)
}

// RowsAffected builds a command tag reporting n affected rows.
func RowsAffected(verb string, n int) pgconn.CommandTag {
	if verb == "INSERT" {
		return pgconn.NewCommandTag("INSERT 0 " + strconv.Itoa(n))
	}
	return pgconn.NewCommandTag(verb + " " + strconv.Itoa(n))
}

// Row is a canned pgx.Row. Scan assigns Values to the destinations in order.
type Row struct {
	Values []any
	Err    error
}

func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("dbtest: scan %d destinations from %d values", len(dest), len(r.Values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		v := reflect.ValueOf(r.Values[i])
		if !v.IsValid() {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		if !v.Type().AssignableTo(target.Type()) {
			if !v.Type().ConvertibleTo(target.Type()) {
				return fmt.Errorf("dbtest: cannot scan %T into %s", r.Values[i], target.Type())
			}
			v = v.Convert(target.Type())
		}
		target.Set(v)
	}
	return nil
}
