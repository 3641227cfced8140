package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// sqliteTx is a user transaction pinned to one pooled connection.
//
// database/sql connections are not safe for concurrent statements, so mu
// serializes every use of conn; done is set once COMMIT or ROLLBACK has run.
type sqliteTx struct {
	mu   sync.Mutex
	conn *sql.Conn
	db   *sqliteDatabase
	done bool
}

func (t *sqliteTx) Collection(name string) (Collection, error) {
	return t.db.collection(name, t)
}

// run executes fn on the transaction connection. Writes run inside a
// savepoint so a failed operation leaves the transaction as it was.
func (t *sqliteTx) run(ctx context.Context, write bool, fn func(q querier) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	if !write {
		return fn(t.conn)
	}

	if _, err := t.conn.ExecContext(ctx, "SAVEPOINT docstore_op"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(t.conn); err != nil {
		// Use a fresh context: the operation may have failed because ctx
		// was cancelled, and the savepoint must still be unwound.
		bg := context.WithoutCancel(ctx)
		t.conn.ExecContext(bg, "ROLLBACK TO docstore_op")
		t.conn.ExecContext(bg, "RELEASE docstore_op")
		return err
	}
	if _, err := t.conn.ExecContext(ctx, "RELEASE docstore_op"); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	return t.finish(ctx, "COMMIT")
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	return t.finish(ctx, "ROLLBACK")
}

// finish ends the transaction and returns the connection to the pool. The
// transaction is terminal afterwards even if the statement fails.
func (t *sqliteTx) finish(ctx context.Context, stmt string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.conn.Close()

	ctx = context.WithoutCancel(ctx)
	if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
		if stmt != "ROLLBACK" {
			t.conn.ExecContext(ctx, "ROLLBACK")
		}
		return fmt.Errorf("%s: %w", stmt, err)
	}
	return nil
}
