package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/sandbox"
)

// Database is an open engine database registered under an alias.
type Database struct {
	alias   string
	path    string // context-relative, as given when opened
	absPath string

	engine docstore.Database
	txs    *TransactionManager

	// closed is set before the engine handle is closed, so operations that
	// resolved the database earlier fail as unknown_database.
	closed atomic.Bool
}

func (d *Database) Alias() string        { return d.alias }
func (d *Database) Path() string         { return d.path }
func (d *Database) AbsolutePath() string { return d.absPath }

func (d *Database) Info() DatabaseInfo {
	return DatabaseInfo{Alias: d.alias, Path: d.path}
}

// Transactions returns the database's transaction manager.
func (d *Database) Transactions() *TransactionManager { return d.txs }

// Collections lists the names of the database's collections.
func (d *Database) Collections(ctx context.Context) ([]string, error) {
	if d.closed.Load() {
		return nil, errUnknownDatabase(d.alias)
	}
	names, err := d.engine.CollectionNames(ctx)
	if err != nil {
		return nil, d.fail(err)
	}
	return names, nil
}

// fail wraps an engine error. Once the database is closed every failure
// reports it as unknown.
func (d *Database) fail(err error) error {
	if d.closed.Load() {
		return errUnknownDatabase(d.alias)
	}
	return errDatabase(err)
}

// Collection returns a view of the named collection. A transaction-scoped
// view requires the transaction to be live at the time of the call.
func (d *Database) Collection(spec CollectionSpecifier) (*CollectionView, error) {
	if spec.Transaction != "" {
		if _, err := d.txs.Get(spec.Transaction); err != nil {
			return nil, err
		}
	}
	return &CollectionView{db: d, name: spec.Name, txID: spec.Transaction}, nil
}

// DatabaseRegistry holds the databases opened inside one context.
type DatabaseRegistry struct {
	mu      sync.Mutex
	entries map[string]*Database
	sealed  bool

	context string
	root    string
	engine  docstore.Engine
	ids     IDGenerator
	logger  *slog.Logger
}

func newDatabaseRegistry(context, root string, engine docstore.Engine, ids IDGenerator, logger *slog.Logger) *DatabaseRegistry {
	return &DatabaseRegistry{
		entries: make(map[string]*Database),
		context: context,
		root:    root,
		engine:  engine,
		ids:     ids,
		logger:  logger,
	}
}

// Open opens the database file at path under alias. Reopening an alias at
// the same location returns the registered database.
func (r *DatabaseRegistry) Open(ctx context.Context, alias, path string) (*Database, error) {
	alias = normalizeAlias(alias)
	if alias == "" {
		return nil, errOpenDatabase(alias, r.context, path, errors.New("alias must not be empty"))
	}

	resolved, err := sandbox.Resolve(r.root, path)
	if err != nil {
		return nil, err
	}

	if db, ok, err := r.lookup(alias); err != nil {
		return nil, err
	} else if ok {
		return r.reuse(db, alias, path, resolved)
	}

	if info, err := os.Stat(resolved); err == nil && !info.Mode().IsRegular() {
		return nil, errOpenDatabase(alias, r.context, path, errors.New("Specified path is not a file."))
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, errOpenDatabase(alias, r.context, path, err)
	}
	handle, err := r.engine.Open(ctx, resolved)
	if err != nil {
		return nil, errOpenDatabase(alias, r.context, path, err)
	}

	db := &Database{
		alias:   alias,
		path:    path,
		absPath: resolved,
		engine:  handle,
	}
	db.txs = newTransactionManager(alias, handle, r.ids)

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		handle.Close()
		return nil, errUnknownContext(r.context)
	}
	if winner, ok := r.entries[alias]; ok {
		r.mu.Unlock()
		handle.Close()
		return r.reuse(winner, alias, path, resolved)
	}
	r.entries[alias] = db
	r.mu.Unlock()

	r.logger.Debug("database opened", "context", r.context, "database", alias, "path", path)
	return db, nil
}

func (r *DatabaseRegistry) lookup(alias string) (*Database, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, false, errUnknownContext(r.context)
	}
	db, ok := r.entries[alias]
	return db, ok, nil
}

func (r *DatabaseRegistry) reuse(db *Database, alias, path, resolved string) (*Database, error) {
	if db.absPath != resolved {
		return nil, errOpenDatabase(alias, r.context, path, errors.New("Database is already open at another path."))
	}
	return db, nil
}

// Get returns the database registered under alias.
func (r *DatabaseRegistry) Get(alias string) (*Database, error) {
	alias = normalizeAlias(alias)
	db, ok, err := r.lookup(alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errUnknownDatabase(alias)
	}
	return db, nil
}

// Close closes the database registered under alias. It fails while the
// database has live transactions.
func (r *DatabaseRegistry) Close(alias string) error {
	alias = normalizeAlias(alias)

	r.mu.Lock()
	db, ok := r.entries[alias]
	if !ok {
		r.mu.Unlock()
		return errUnknownDatabase(alias)
	}
	if err := db.txs.seal(); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.entries, alias)
	db.closed.Store(true)
	r.mu.Unlock()

	if err := db.engine.Close(); err != nil {
		return errDatabase(err)
	}
	r.logger.Debug("database closed", "context", r.context, "database", alias)
	return nil
}

// Aliases returns the registered aliases in sorted order.
func (r *DatabaseRegistry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	aliases := make([]string, 0, len(r.entries))
	for alias := range r.entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// seal refuses new databases, failing while any are still open.
func (r *DatabaseRegistry) seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.entries); n > 0 {
		return errResourceBusy("context %s still has %d open database(s)", r.context, n)
	}
	r.sealed = true
	return nil
}

func (r *DatabaseRegistry) unseal() {
	r.mu.Lock()
	r.sealed = false
	r.mu.Unlock()
}

// shutdown seals the registry, rolls back all live transactions and closes
// every database.
func (r *DatabaseRegistry) shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.sealed = true
	dbs := make([]*Database, 0, len(r.entries))
	for _, db := range r.entries {
		dbs = append(dbs, db)
	}
	r.entries = make(map[string]*Database)
	r.mu.Unlock()

	sort.Slice(dbs, func(i, j int) bool { return dbs[i].alias < dbs[j].alias })

	var errs []error
	for _, db := range dbs {
		if err := db.txs.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database %s: %w", db.alias, err))
		}
		db.closed.Store(true)
		if err := db.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database %s: %w", db.alias, err))
		}
	}
	return errors.Join(errs...)
}
