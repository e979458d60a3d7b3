// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// errAborted signals the deferred transaction closer to roll back.
// Never returned to callers.
var errAborted = errors.New("storage: transaction aborted")

// errReadOnly is returned by write accessors called on a read
// transaction.
var errReadOnly = errors.New("storage: write on read-only transaction")

// Txn is a scoped transaction over the engine stores. A Txn pins one
// pooled connection; it must be finished with Complete or Abort
// exactly once, from the goroutine that opened it.
//
// The usual shape:
//
//	txn, err := db.ReadWriteTxn(ctx)
//	if err != nil {
//	    return err
//	}
//	defer txn.Abort() // no-op after Complete
//	...
//	return txn.Complete()
type Txn struct {
	db       *DB
	conn     *sqlite.Conn
	end      func(*error)
	writable bool
	finished bool
}

// ReadTxn opens a read snapshot. Writes through a read transaction
// return an error.
func (d *DB) ReadTxn(ctx context.Context) (*Txn, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: read txn: %w", err)
	}
	end := sqlitex.Transaction(conn)
	return &Txn{db: d, conn: conn, end: end}, nil
}

// ReadWriteTxn opens an IMMEDIATE transaction, taking the database
// write lock up front. The sync engine holds at most one of these at a
// time; all of a cycle's writes — including the new sync cursor —
// commit or roll back as a unit.
func (d *DB) ReadWriteTxn(ctx context.Context) (*Txn, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: write txn: %w", err)
	}
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		d.pool.Put(conn)
		return nil, fmt.Errorf("storage: begin write txn: %w", err)
	}
	return &Txn{db: d, conn: conn, end: end, writable: true}, nil
}

// Complete commits the transaction and releases the connection.
// Returns the commit error, if any. Calling Complete after Abort (or
// twice) is a no-op returning nil.
func (t *Txn) Complete() error {
	if t.finished {
		return nil
	}
	t.finished = true
	var commitErr error
	t.end(&commitErr)
	t.db.pool.Put(t.conn)
	t.conn = nil
	if commitErr != nil {
		return fmt.Errorf("storage: commit: %w", commitErr)
	}
	return nil
}

// Abort rolls back the transaction, discarding every write, and
// releases the connection. Safe to call after Complete (no-op), which
// makes it suitable for defer.
func (t *Txn) Abort() {
	if t.finished {
		return
	}
	t.finished = true
	rollback := errAborted
	t.end(&rollback)
	t.db.pool.Put(t.conn)
	t.conn = nil
}

// exec runs a statement with arguments and no result rows.
func (t *Txn) exec(query string, args ...any) error {
	return sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{Args: args})
}

// query runs a statement, invoking result for each row.
func (t *Txn) query(query string, result func(stmt *sqlite.Stmt) error, args ...any) error {
	return sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: result,
	})
}

// columnBlob copies a BLOB column out of the statement.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}
