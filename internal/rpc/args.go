package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/persistence"
)

// decodeStrict decodes data into v, rejecting unknown fields and keeping
// numbers as json.Number.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after arguments")
	}
	return nil
}

// ContextRef decodes a context specifier: {alias, path} opens, {alias}
// gets.
type ContextRef struct {
	persistence.ContextSpecifier
}

func (r *ContextRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Alias *string `json:"alias"`
		Path  *string `json:"path"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return fmt.Errorf("context specifier: %w", err)
	}
	if raw.Alias == nil {
		return errors.New("context specifier requires alias")
	}
	if raw.Path != nil {
		r.ContextSpecifier = persistence.OpenContext{Alias: *raw.Alias, Path: *raw.Path}
	} else {
		r.ContextSpecifier = persistence.GetContext{Alias: *raw.Alias}
	}
	return nil
}

// DatabaseRef decodes a database specifier: {alias, path} opens, {alias}
// gets.
type DatabaseRef struct {
	persistence.DatabaseSpecifier
}

func (r *DatabaseRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Alias *string `json:"alias"`
		Path  *string `json:"path"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return fmt.Errorf("database specifier: %w", err)
	}
	if raw.Alias == nil {
		return errors.New("database specifier requires alias")
	}
	if raw.Path != nil {
		r.DatabaseSpecifier = persistence.OpenDatabase{Alias: *raw.Alias, Path: *raw.Path}
	} else {
		r.DatabaseSpecifier = persistence.GetDatabase{Alias: *raw.Alias}
	}
	return nil
}

// FileHandleRef decodes a file handle specifier: {path, mode} opens, {id}
// gets.
type FileHandleRef struct {
	persistence.FileHandleSpecifier
}

func (r *FileHandleRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   *string                `json:"id"`
		Path *string                `json:"path"`
		Mode *persistence.FileMode `json:"mode"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return fmt.Errorf("file handle specifier: %w", err)
	}
	switch {
	case raw.ID != nil && raw.Path == nil && raw.Mode == nil:
		r.FileHandleSpecifier = persistence.GetFile{ID: *raw.ID}
	case raw.ID == nil && raw.Path != nil && raw.Mode != nil:
		r.FileHandleSpecifier = persistence.OpenFile{Path: *raw.Path, Mode: *raw.Mode}
	default:
		return errors.New("file handle specifier must be {id} or {path, mode}")
	}
	return nil
}

// CollectionRef decodes {name} or {transaction, name}.
type CollectionRef struct {
	persistence.CollectionSpecifier
	set bool
}

func (r *CollectionRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        *string `json:"name"`
		Transaction *string `json:"transaction"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return fmt.Errorf("collection specifier: %w", err)
	}
	if raw.Name == nil {
		return errors.New("collection specifier requires name")
	}
	r.Name = *raw.Name
	if raw.Transaction != nil {
		r.Transaction = *raw.Transaction
	}
	r.set = true
	return nil
}

// Argument objects, one per command shape.

type contextArgs struct {
	Context ContextRef `json:"context"`
}

type databaseArgs struct {
	Context  ContextRef  `json:"context"`
	Database DatabaseRef `json:"database"`
}

type transactionArgs struct {
	Context     ContextRef  `json:"context"`
	Database    DatabaseRef `json:"database"`
	Transaction *string     `json:"transaction"`
}

type collectionArgs struct {
	Context    ContextRef    `json:"context"`
	Database   DatabaseRef   `json:"database"`
	Collection CollectionRef `json:"collection"`
}

type updateArgs struct {
	collectionArgs
	Query      docstore.Document          `json:"query"`
	Update     docstore.Document          `json:"update"`
	Operations persistence.OperationCount `json:"operations"`
	Upsert     *bool                      `json:"upsert"`
}

type deleteArgs struct {
	collectionArgs
	Query      docstore.Document          `json:"query"`
	Operations persistence.OperationCount `json:"operations"`
}

type createIndexArgs struct {
	collectionArgs
	Keys   docstore.Keys `json:"keys"`
	Name   *string       `json:"name"`
	Unique *bool         `json:"unique"`
}

type dropIndexArgs struct {
	collectionArgs
	Name *string `json:"name"`
}

type insertArgs struct {
	collectionArgs
	Documents []docstore.Document `json:"documents"`
}

type findManyArgs struct {
	collectionArgs
	Filter docstore.Document `json:"filter"`
	Skip   *int64            `json:"skip"`
	Limit  *int64            `json:"limit"`
	Sort   docstore.Keys     `json:"sort"`
}

type findOneArgs struct {
	collectionArgs
	Filter docstore.Document `json:"filter"`
}

type fileArgs struct {
	Context    ContextRef    `json:"context"`
	FileHandle FileHandleRef `json:"file_handle"`
}

type writeTextArgs struct {
	fileArgs
	Data *string `json:"data"`
}

type writeBytesArgs struct {
	fileArgs
	Data *ByteArray `json:"data"`
}

type readArgs struct {
	fileArgs
	Size *int `json:"size"`
}

type pathArgs struct {
	Context ContextRef `json:"context"`
	Path    *string    `json:"path"`
}

type createDirectoryArgs struct {
	pathArgs
	Parents *bool `json:"parents"`
}

type emptyArgs struct{}

// missing reports an absent required argument.
func missing(name string) error {
	return persistence.NewError(persistence.KindDeserializationError,
		fmt.Sprintf("missing required argument %q", name))
}

func (a *collectionArgs) check() error {
	if !a.Collection.set {
		return missing("collection")
	}
	return nil
}

func (a *updateArgs) check() error {
	switch {
	case a.Query == nil:
		return missing("query")
	case a.Update == nil:
		return missing("update")
	case a.Operations == "":
		return missing("operations")
	case a.Upsert == nil:
		return missing("upsert")
	}
	return a.collectionArgs.check()
}

func (a *deleteArgs) check() error {
	switch {
	case a.Query == nil:
		return missing("query")
	case a.Operations == "":
		return missing("operations")
	}
	return a.collectionArgs.check()
}

func (a *createIndexArgs) check() error {
	if len(a.Keys) == 0 {
		return missing("keys")
	}
	return a.collectionArgs.check()
}

func (a *dropIndexArgs) check() error {
	if a.Name == nil {
		return missing("name")
	}
	return a.collectionArgs.check()
}

func (a *insertArgs) check() error {
	if a.Documents == nil {
		return missing("documents")
	}
	return a.collectionArgs.check()
}

func (a *findManyArgs) check() error {
	if a.Filter == nil {
		return missing("filter")
	}
	return a.collectionArgs.check()
}

func (a *findOneArgs) check() error {
	if a.Filter == nil {
		return missing("filter")
	}
	return a.collectionArgs.check()
}

func (a *transactionArgs) check() error {
	if a.Transaction == nil {
		return missing("transaction")
	}
	return nil
}

func (a *writeTextArgs) check() error {
	if a.Data == nil {
		return missing("data")
	}
	return nil
}

func (a *writeBytesArgs) check() error {
	if a.Data == nil {
		return missing("data")
	}
	return nil
}

func (a *pathArgs) check() error {
	if a.Path == nil {
		return missing("path")
	}
	return nil
}

func (a *createDirectoryArgs) check() error {
	if a.Parents == nil {
		return missing("parents")
	}
	return a.pathArgs.check()
}

// checker is implemented by argument objects with required fields.
type checker interface {
	check() error
}

// decodeArgs decodes a command's arguments. Any failure is a
// deserialization_error.
func decodeArgs(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	if err := decodeStrict(data, v); err != nil {
		return persistence.NewError(persistence.KindDeserializationError, err.Error())
	}
	if c, ok := v.(checker); ok {
		return c.check()
	}
	return nil
}
