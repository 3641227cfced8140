package persistence

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/persistd/internal/docstore"
)

// Options configures a Service. Zero fields get defaults: a SQLite engine,
// UUIDv7 ids, no root restriction and a discarding logger.
type Options struct {
	Engine       docstore.Engine
	IDs          IDGenerator
	AllowedRoots []string
	Logger       *slog.Logger
}

// Service is the process-scoped state container. Every operation resolves
// its context first, then its database, then its collection or file
// handle; a failing stage stops the operation.
//
// All returned errors are *Error.
type Service struct {
	contexts *ContextRegistry
	logger   *slog.Logger
}

// NewService creates a service with no open contexts.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "persistence")

	engine := opts.Engine
	if engine == nil {
		engine = docstore.NewSQLiteEngine(logger)
	}
	ids := opts.IDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}

	return &Service{
		contexts: NewContextRegistry(engine, ids, opts.AllowedRoots, logger),
		logger:   logger,
	}
}

// Contexts returns the context registry.
func (s *Service) Contexts() *ContextRegistry { return s.contexts }

// fail converts err to *Error, keeping nil as an untyped nil.
func fail(err error) error {
	if err == nil {
		return nil
	}
	return FromError(err)
}

func (s *Service) context(spec ContextSpecifier) (*Context, error) {
	switch spec := spec.(type) {
	case OpenContext:
		return s.contexts.Open(spec.Alias, spec.Path)
	case GetContext:
		return s.contexts.Get(spec.Alias)
	case nil:
		return nil, NewError(KindDeserializationError, "missing context specifier")
	}
	return nil, NewError(KindUnknown, fmt.Sprintf("unsupported context specifier %T", spec))
}

func (s *Service) database(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier) (*Context, *Database, error) {
	c, err := s.context(cs)
	if err != nil {
		return nil, nil, err
	}
	var db *Database
	switch spec := ds.(type) {
	case OpenDatabase:
		db, err = c.Databases().Open(ctx, spec.Alias, spec.Path)
	case GetDatabase:
		db, err = c.Databases().Get(spec.Alias)
	case nil:
		err = NewError(KindDeserializationError, "missing database specifier")
	default:
		err = NewError(KindUnknown, fmt.Sprintf("unsupported database specifier %T", spec))
	}
	if err != nil {
		return nil, nil, err
	}
	return c, db, nil
}

func (s *Service) collection(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier) (*CollectionView, error) {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return nil, err
	}
	return db.Collection(spec)
}

func (s *Service) fileHandle(cs ContextSpecifier, fs FileHandleSpecifier) (*Context, *FileHandle, error) {
	c, err := s.context(cs)
	if err != nil {
		return nil, nil, err
	}
	var h *FileHandle
	switch spec := fs.(type) {
	case OpenFile:
		h, err = c.Files().Open(spec.Path, spec.Mode)
	case GetFile:
		h, err = c.Files().Get(spec.ID)
	case nil:
		err = NewError(KindDeserializationError, "missing file handle specifier")
	default:
		err = NewError(KindUnknown, fmt.Sprintf("unsupported file handle specifier %T", spec))
	}
	if err != nil {
		return nil, nil, err
	}
	return c, h, nil
}

// Context opens or looks up a context.
func (s *Service) Context(cs ContextSpecifier) (ContextInfo, error) {
	c, err := s.context(cs)
	if err != nil {
		return ContextInfo{}, fail(err)
	}
	return c.Info(), nil
}

// Database opens or looks up a database.
func (s *Service) Database(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier) (DatabaseInfo, error) {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return DatabaseInfo{}, fail(err)
	}
	return db.Info(), nil
}

// FileHandle opens a new file handle or looks up a live one.
func (s *Service) FileHandle(cs ContextSpecifier, fs FileHandleSpecifier) (FileHandleInfo, error) {
	_, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return FileHandleInfo{}, fail(err)
	}
	return h.Info(), nil
}

func (s *Service) DatabaseGetCollections(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier) ([]string, error) {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return nil, fail(err)
	}
	names, err := db.Collections(ctx)
	return names, fail(err)
}

// DatabaseClose closes the database. Live transactions make it fail with
// resource_busy.
func (s *Service) DatabaseClose(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier) error {
	c, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return fail(err)
	}
	return fail(c.Databases().Close(db.Alias()))
}

func (s *Service) DatabaseStartTransaction(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier) (string, error) {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return "", fail(err)
	}
	id, err := db.Transactions().Start(ctx)
	if err != nil {
		return "", fail(err)
	}
	s.logger.Debug("transaction started", "database", db.Alias(), "transaction", id)
	return id, nil
}

func (s *Service) DatabaseCommitTransaction(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, id string) error {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return fail(err)
	}
	return fail(db.Transactions().Commit(ctx, id))
}

func (s *Service) DatabaseRollbackTransaction(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, id string) error {
	_, db, err := s.database(ctx, cs, ds)
	if err != nil {
		return fail(err)
	}
	return fail(db.Transactions().Rollback(ctx, id))
}

func (s *Service) CollectionCountDocuments(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier) (int64, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return 0, fail(err)
	}
	n, err := view.CountDocuments(ctx)
	return n, fail(err)
}

func (s *Service) CollectionUpdateDocuments(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	query, update docstore.Document, ops OperationCount, upsert bool) (docstore.UpdateResult, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return docstore.UpdateResult{}, fail(err)
	}
	res, err := view.Update(ctx, query, update, ops, upsert)
	return res, fail(err)
}

func (s *Service) CollectionDeleteDocuments(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	query docstore.Document, ops OperationCount) (int64, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return 0, fail(err)
	}
	n, err := view.Delete(ctx, query, ops)
	return n, fail(err)
}

// CollectionCreateIndex creates an index. An empty name selects the default
// name derived from the keys.
func (s *Service) CollectionCreateIndex(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	keys docstore.Keys, name string, unique bool) error {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return fail(err)
	}
	_, err = view.CreateIndex(ctx, keys, name, unique)
	return fail(err)
}

func (s *Service) CollectionDropIndex(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier, name string) error {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return fail(err)
	}
	return fail(view.DropIndex(ctx, name))
}

func (s *Service) CollectionDrop(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier) error {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return fail(err)
	}
	return fail(view.Drop(ctx))
}

// CollectionInsertDocuments inserts the documents and maps each input index
// to the _id it was stored under.
func (s *Service) CollectionInsertDocuments(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	docs []docstore.Document) (map[int]any, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return nil, fail(err)
	}
	ids, err := view.Insert(ctx, docs)
	return ids, fail(err)
}

func (s *Service) CollectionFindManyDocuments(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	filter docstore.Document, opts docstore.FindOptions) ([]docstore.Document, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return nil, fail(err)
	}
	docs, err := view.Find(ctx, filter, opts)
	return docs, fail(err)
}

// CollectionFindOneDocument returns the first match, or nil.
func (s *Service) CollectionFindOneDocument(ctx context.Context, cs ContextSpecifier, ds DatabaseSpecifier, spec CollectionSpecifier,
	filter docstore.Document) (docstore.Document, error) {
	view, err := s.collection(ctx, cs, ds, spec)
	if err != nil {
		return nil, fail(err)
	}
	doc, err := view.FindOne(ctx, filter)
	return doc, fail(err)
}

func (s *Service) FileClose(cs ContextSpecifier, fs FileHandleSpecifier) error {
	c, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return fail(err)
	}
	return fail(c.Files().Close(h.ID()))
}

func (s *Service) FileWriteText(cs ContextSpecifier, fs FileHandleSpecifier, data string) error {
	_, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return fail(err)
	}
	return fail(h.WriteText(data))
}

func (s *Service) FileWriteBytes(cs ContextSpecifier, fs FileHandleSpecifier, data []byte) error {
	_, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return fail(err)
	}
	return fail(h.WriteBytes(data))
}

// FileReadText reads up to size characters, or the rest of the file when
// size is nil.
func (s *Service) FileReadText(cs ContextSpecifier, fs FileHandleSpecifier, size *int) (string, error) {
	_, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return "", fail(err)
	}
	text, err := h.ReadText(size)
	return text, fail(err)
}

// FileReadBytes reads up to size bytes, or the rest of the file when size
// is nil.
func (s *Service) FileReadBytes(cs ContextSpecifier, fs FileHandleSpecifier, size *int) ([]byte, error) {
	_, h, err := s.fileHandle(cs, fs)
	if err != nil {
		return nil, fail(err)
	}
	data, err := h.ReadBytes(size)
	return data, fail(err)
}

func (s *Service) GetContextBasePath(cs ContextSpecifier) (string, error) {
	c, err := s.context(cs)
	if err != nil {
		return "", fail(err)
	}
	return c.Root(), nil
}

func (s *Service) GetAbsolutePathTo(cs ContextSpecifier, path string) (string, error) {
	c, err := s.context(cs)
	if err != nil {
		return "", fail(err)
	}
	abs, err := c.Resolve(path)
	return abs, fail(err)
}

func (s *Service) CreateDirectory(cs ContextSpecifier, path string, parents bool) error {
	c, err := s.context(cs)
	if err != nil {
		return fail(err)
	}
	return fail(c.CreateDirectory(path, parents))
}

func (s *Service) RemoveDirectory(cs ContextSpecifier, path string) error {
	c, err := s.context(cs)
	if err != nil {
		return fail(err)
	}
	return fail(c.RemoveDirectory(path))
}

func (s *Service) RemoveFile(cs ContextSpecifier, path string) error {
	c, err := s.context(cs)
	if err != nil {
		return fail(err)
	}
	return fail(c.RemoveFile(path))
}

func (s *Service) FileMetadata(cs ContextSpecifier, path string) (PathMetadata, error) {
	c, err := s.context(cs)
	if err != nil {
		return PathMetadata{}, fail(err)
	}
	meta, err := c.FileMetadata(path)
	return meta, fail(err)
}

func (s *Service) ListDirectory(cs ContextSpecifier, path string) ([]PathInformation, error) {
	c, err := s.context(cs)
	if err != nil {
		return nil, fail(err)
	}
	infos, err := c.ListDirectory(path)
	return infos, fail(err)
}

// CloseContext unregisters the context. Open databases or file handles make
// it fail with resource_busy.
func (s *Service) CloseContext(cs ContextSpecifier) error {
	c, err := s.context(cs)
	if err != nil {
		return fail(err)
	}
	return fail(s.contexts.Close(c.Alias()))
}

// Cleanup closes every context, rolling back live transactions and closing
// all databases and file handles. Every failure is reported in the returned
// error; the service is empty afterwards either way.
func (s *Service) Cleanup(ctx context.Context) error {
	err := s.contexts.shutdown(ctx)
	if err != nil {
		s.logger.Warn("cleanup finished with errors", "error", err)
		return fail(err)
	}
	s.logger.Debug("cleanup finished")
	return nil
}
