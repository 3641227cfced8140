package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/persistd/internal/docstore"
)

// txSlot is one arena entry. A zero slot is a tombstone waiting on the free
// list.
type txSlot struct {
	id string
	tx docstore.Transaction
}

// TransactionManager hands out opaque ids for the engine transactions of
// one database.
//
// Transactions live in an arena of slots indexed by id. Commit and
// rollback remove the id before calling the engine, so an id can be
// consumed exactly once even when two callers race on it.
type TransactionManager struct {
	mu     sync.Mutex
	slots  []txSlot
	index  map[string]int
	free   []int
	sealed bool

	database string
	engine   docstore.Database
	ids      IDGenerator
}

func newTransactionManager(database string, engine docstore.Database, ids IDGenerator) *TransactionManager {
	return &TransactionManager{
		index:    make(map[string]int),
		database: database,
		engine:   engine,
		ids:      ids,
	}
}

// Start begins an engine transaction and returns its id.
func (m *TransactionManager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	sealed := m.sealed
	m.mu.Unlock()
	if sealed {
		return "", errUnknownDatabase(m.database)
	}

	tx, err := m.engine.Begin(ctx)
	if err != nil {
		return "", errDatabase(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		tx.Rollback(context.WithoutCancel(ctx))
		return "", errUnknownDatabase(m.database)
	}
	id, ok := uniqueID(m.ids, func(id string) bool {
		_, taken := m.index[id]
		return taken
	})
	if !ok {
		tx.Rollback(context.WithoutCancel(ctx))
		return "", NewError(KindUnknown, "could not generate a unique transaction id")
	}

	slot := txSlot{id: id, tx: tx}
	if n := len(m.free); n > 0 {
		i := m.free[n-1]
		m.free = m.free[:n-1]
		m.slots[i] = slot
		m.index[id] = i
	} else {
		m.slots = append(m.slots, slot)
		m.index[id] = len(m.slots) - 1
	}
	return id, nil
}

// Get returns the live transaction with the given id.
func (m *TransactionManager) Get(id string) (docstore.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return nil, errUnknownTransaction(id)
	}
	return m.slots[i].tx, nil
}

// take removes the transaction from the arena, leaving a tombstone.
func (m *TransactionManager) take(id string) (docstore.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return nil, errUnknownTransaction(id)
	}
	tx := m.slots[i].tx
	m.slots[i] = txSlot{}
	m.free = append(m.free, i)
	delete(m.index, id)
	return tx, nil
}

// Commit consumes the id and commits the transaction.
func (m *TransactionManager) Commit(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errDatabase(err)
	}
	return nil
}

// Rollback consumes the id and rolls the transaction back.
func (m *TransactionManager) Rollback(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return err
	}
	if err := tx.Rollback(ctx); err != nil {
		return errDatabase(err)
	}
	return nil
}

// Active returns the number of live transactions.
func (m *TransactionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// seal refuses new transactions, failing while any are still live.
func (m *TransactionManager) seal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.index); n > 0 {
		return errResourceBusy("database %s has %d active transaction(s)", m.database, n)
	}
	m.sealed = true
	return nil
}

// shutdown seals the manager and rolls back every live transaction.
func (m *TransactionManager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.sealed = true
	live := make([]txSlot, 0, len(m.index))
	for _, i := range m.index {
		live = append(live, m.slots[i])
	}
	m.slots, m.free = nil, nil
	m.index = make(map[string]int)
	m.mu.Unlock()

	var errs []error
	for _, slot := range live {
		if err := slot.tx.Rollback(ctx); err != nil && !errors.Is(err, docstore.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback transaction %s: %w", slot.id, err))
		}
	}
	return errors.Join(errs...)
}
