package docstore

import (
	"context"
	"errors"
)

// Engine opens document databases stored in single files.
type Engine interface {
	Open(ctx context.Context, path string) (Database, error)
}

// Database is an open document database.
type Database interface {
	// Path returns the file the database was opened from.
	Path() string

	// CollectionNames lists the collections that currently exist, sorted.
	CollectionNames(ctx context.Context) ([]string, error)

	// Collection returns a view of the named collection outside any
	// transaction. Collections are created on first write.
	Collection(name string) (Collection, error)

	// Begin starts a transaction.
	Begin(ctx context.Context) (Transaction, error)

	Close() error
}

// Transaction is an open engine transaction. After Commit or Rollback every
// method, including those of collections obtained from it, fails with
// ErrTxDone.
type Transaction interface {
	Collection(name string) (Collection, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Collection exposes CRUD and index operations on one collection.
type Collection interface {
	Name() string
	CountDocuments(ctx context.Context) (int64, error)

	// InsertMany inserts the documents atomically and returns the _id of
	// each by input index. Documents without an _id get a generated one.
	InsertMany(ctx context.Context, docs []Document) (map[int]any, error)

	Update(ctx context.Context, filter, update Document, opts UpdateOptions) (UpdateResult, error)
	Delete(ctx context.Context, filter Document, opts DeleteOptions) (int64, error)
	Find(ctx context.Context, filter Document, opts FindOptions) ([]Document, error)

	// FindOne returns the first match in natural order, or nil.
	FindOne(ctx context.Context, filter Document) (Document, error)

	// CreateIndex creates the index if it does not exist and returns its name.
	CreateIndex(ctx context.Context, model IndexModel) (string, error)
	DropIndex(ctx context.Context, name string) error
	Drop(ctx context.Context) error
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	Many   bool // update every match instead of the first
	Upsert bool // insert a document when nothing matches
}

// UpdateResult reports the outcome of Update.
type UpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`

	// UpsertedID is the _id of the inserted document when an upsert
	// inserted one.
	UpsertedID any `json:"-"`
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	Many bool // delete every match instead of at most one
}

// FindOptions controls Find. Nil Skip/Limit are unset; a zero Limit means
// no limit.
type FindOptions struct {
	Skip  *int64
	Limit *int64
	Sort  Keys
}

// IndexModel describes an index.
type IndexModel struct {
	Keys   Keys
	Name   string // defaults to Keys.DefaultIndexName()
	Unique bool
}

var (
	// ErrTxDone is returned by operations on a finished transaction.
	ErrTxDone = errors.New("transaction has already been committed or rolled back")

	// ErrDuplicateKey reports a duplicate _id or a unique index violation.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrIndexNotFound is returned by DropIndex for an unknown index.
	ErrIndexNotFound = errors.New("index not found")

	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidUpdate   = errors.New("invalid update")
	ErrInvalidDocument = errors.New("invalid document")
	ErrInvalidName     = errors.New("invalid name")
)
