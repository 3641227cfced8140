package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/persistd/internal/querysql"
)

const driverName = "sqlite3_docstore"

// File format tracking:
// 0 - empty / foreign file
// 1 - one table per collection ("coll:<name>", columns id and doc)
const (
	currentFormatVersion = 1
	applicationID        = 0x646f6373 // "docs"
)

const collectionPrefix = "coll:"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

// regexpMatch backs the SQL "X REGEXP Y" operator, which SQLite evaluates
// as regexp(Y, X).
func regexpMatch(pattern string, value any) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(s), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	patternCache.Store(pattern, re)
	return re.MatchString(s), nil
}

// SQLiteEngine stores each database in a SQLite file.
type SQLiteEngine struct {
	// BusyTimeout is how long a writer waits for a competing writer.
	BusyTimeout time.Duration

	// Synchronous is the SQLite synchronous level (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// NewID generates _id values for documents inserted without one.
	NewID func() string

	Logger *slog.Logger
}

// NewSQLiteEngine creates an engine with the default settings: a 5-second
// busy timeout, synchronous=NORMAL and UUIDv7 document ids.
func NewSQLiteEngine(logger *slog.Logger) *SQLiteEngine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SQLiteEngine{
		BusyTimeout: 5 * time.Second,
		Synchronous: "NORMAL",
		NewID:       func() string { return uuid.Must(uuid.NewV7()).String() },
		Logger:      logger,
	}
}

// dsn builds the connection string. Connection settings go through the DSN
// rather than PRAGMA statements because database/sql pools connections and
// every connection needs them.
func (e *SQLiteEngine) dsn(path string) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", e.BusyTimeout.Milliseconds()),
		"_journal_mode=WAL",
		"_synchronous=" + strings.ToUpper(e.Synchronous),
		"_foreign_keys=1",
		// Autocommit writes take the write lock up front; user transactions
		// issue their own BEGIN DEFERRED on a dedicated connection.
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// Open creates or opens the database file at path and applies format
// migrations.
func (e *SQLiteEngine) Open(ctx context.Context, path string) (Database, error) {
	if strings.ContainsRune(path, '?') {
		return nil, fmt.Errorf("database path %q must not contain '?'", path)
	}

	db, err := sql.Open(driverName, e.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newID := e.NewID
	if newID == nil {
		newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}

	logger.Debug("database opened", "path", path)
	return &sqliteDatabase{
		path:     path,
		db:       db,
		compiler: querysql.NewSQLCompiler(),
		newID:    newID,
		logger:   logger,
	}, nil
}

// runMigrations brings the file to currentFormatVersion based on
// user_version, refusing files written by another application or by a
// newer format.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var appID, version int
	if err := db.QueryRowContext(ctx, "PRAGMA application_id").Scan(&appID); err != nil {
		return fmt.Errorf("get application_id: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if appID != 0 && appID != applicationID {
		return fmt.Errorf("file belongs to another application (application_id=%d)", appID)
	}
	if version > currentFormatVersion {
		return fmt.Errorf("unsupported format version %d (newest known is %d)", version, currentFormatVersion)
	}
	if version == currentFormatVersion {
		return nil
	}

	// Version 1 needs no tables up front: collections are created lazily.
	stmts := []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		fmt.Sprintf("PRAGMA user_version = %d", currentFormatVersion),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

type sqliteDatabase struct {
	path     string
	db       *sql.DB
	compiler *querysql.SQLCompiler
	newID    func() string
	logger   *slog.Logger
}

func (d *sqliteDatabase) Path() string { return d.path }

func (d *sqliteDatabase) CollectionNames(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT substr(name, ?) FROM sqlite_master WHERE type = 'table' AND substr(name, 1, ?) = ? ORDER BY name",
		len(collectionPrefix)+1, len(collectionPrefix), collectionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *sqliteDatabase) Collection(name string) (Collection, error) {
	return d.collection(name, nil)
}

func (d *sqliteDatabase) collection(name string, tx *sqliteTx) (*collection, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return nil, fmt.Errorf("%w: collection name %q", ErrInvalidName, name)
	}
	return &collection{
		name:  name,
		table: collectionPrefix + name,
		db:    d,
		tx:    tx,
	}, nil
}

// Begin starts a deferred transaction on a dedicated connection. The
// connection stays checked out of the pool until Commit or Rollback.
func (d *sqliteDatabase) Begin(ctx context.Context) (Transaction, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{conn: conn, db: d}, nil
}

func (d *sqliteDatabase) Close() error {
	d.logger.Debug("database closed", "path", d.path)
	return d.db.Close()
}

// translateError maps SQLite constraint violations onto ErrDuplicateKey.
func translateError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
	}
	return err
}
