package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/persistence"
)

// handler runs one command against decoded arguments.
type handler func(ctx context.Context, s *persistence.Service, args json.RawMessage) (any, error)

// Dispatcher maps command names onto Service operations.
type Dispatcher struct {
	svc      *persistence.Service
	logger   *slog.Logger
	commands map[string]handler
}

// NewDispatcher creates a dispatcher over svc. A nil logger discards.
func NewDispatcher(svc *persistence.Service, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		svc:      svc,
		logger:   logger.With("component", "rpc"),
		commands: commandTable(),
	}
}

// Commands returns the supported command names, sorted.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs a single command and returns its result value.
func (d *Dispatcher) Call(ctx context.Context, command string, args json.RawMessage) (_ any, err error) {
	h, ok := d.commands[command]
	if !ok {
		return nil, persistence.NewError(persistence.KindUnknown, fmt.Sprintf("unknown command %q", command))
	}
	// A panicking command fails alone instead of taking the process down.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked", "command", command, "panic", r, "stack", string(debug.Stack()))
			err = persistence.NewError(persistence.KindUnknown, fmt.Sprintf("command %s failed: %v", command, r))
		}
	}()
	start := time.Now()
	data, err := h(ctx, d.svc, args)
	if err != nil {
		d.logger.Debug("command failed",
			"command", command,
			"kind", persistence.KindOf(err),
			"duration", time.Since(start))
		return nil, persistence.FromError(err)
	}
	d.logger.Debug("command completed", "command", command, "duration", time.Since(start))
	return data, nil
}

// Handle answers a request frame.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	data, err := d.Call(ctx, req.Command, req.Args)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return okResponse(req.ID, data)
}

// decoded adapts a typed command body into a handler.
func decoded[A any](fn func(ctx context.Context, s *persistence.Service, a *A) (any, error)) handler {
	return func(ctx context.Context, s *persistence.Service, raw json.RawMessage) (any, error) {
		var a A
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return fn(ctx, s, &a)
	}
}

// none is the result of commands that only succeed or fail.
func none(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func commandTable() map[string]handler {
	return map[string]handler{
		"context": decoded(func(_ context.Context, s *persistence.Service, a *contextArgs) (any, error) {
			return s.Context(a.Context.ContextSpecifier)
		}),
		"database": decoded(func(ctx context.Context, s *persistence.Service, a *databaseArgs) (any, error) {
			return s.Database(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier)
		}),
		"file_handle": decoded(func(_ context.Context, s *persistence.Service, a *fileArgs) (any, error) {
			return s.FileHandle(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier)
		}),

		"database_get_collections": decoded(func(ctx context.Context, s *persistence.Service, a *databaseArgs) (any, error) {
			names, err := s.DatabaseGetCollections(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier)
			if err != nil {
				return nil, err
			}
			if names == nil {
				names = []string{}
			}
			return names, nil
		}),
		"database_close": decoded(func(ctx context.Context, s *persistence.Service, a *databaseArgs) (any, error) {
			return none(s.DatabaseClose(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier))
		}),
		"database_start_transaction": decoded(func(ctx context.Context, s *persistence.Service, a *databaseArgs) (any, error) {
			return s.DatabaseStartTransaction(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier)
		}),
		"database_commit_transaction": decoded(func(ctx context.Context, s *persistence.Service, a *transactionArgs) (any, error) {
			return none(s.DatabaseCommitTransaction(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, *a.Transaction))
		}),
		"database_rollback_transaction": decoded(func(ctx context.Context, s *persistence.Service, a *transactionArgs) (any, error) {
			return none(s.DatabaseRollbackTransaction(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, *a.Transaction))
		}),

		"collection_count_documents": decoded(func(ctx context.Context, s *persistence.Service, a *collectionArgs) (any, error) {
			return s.CollectionCountDocuments(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier)
		}),
		"collection_update_documents": decoded(func(ctx context.Context, s *persistence.Service, a *updateArgs) (any, error) {
			res, err := s.CollectionUpdateDocuments(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Query, a.Update, a.Operations, *a.Upsert)
			if err != nil {
				return nil, err
			}
			return updateResult(res), nil
		}),
		"collection_delete_documents": decoded(func(ctx context.Context, s *persistence.Service, a *deleteArgs) (any, error) {
			return s.CollectionDeleteDocuments(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Query, a.Operations)
		}),
		"collection_create_index": decoded(func(ctx context.Context, s *persistence.Service, a *createIndexArgs) (any, error) {
			name := ""
			if a.Name != nil {
				name = *a.Name
			}
			unique := a.Unique != nil && *a.Unique
			return none(s.CollectionCreateIndex(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Keys, name, unique))
		}),
		"collection_drop_index": decoded(func(ctx context.Context, s *persistence.Service, a *dropIndexArgs) (any, error) {
			return none(s.CollectionDropIndex(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier, *a.Name))
		}),
		"collection_drop": decoded(func(ctx context.Context, s *persistence.Service, a *collectionArgs) (any, error) {
			return none(s.CollectionDrop(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier))
		}),
		"collection_insert_documents": decoded(func(ctx context.Context, s *persistence.Service, a *insertArgs) (any, error) {
			ids, err := s.CollectionInsertDocuments(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Documents)
			if err != nil {
				return nil, err
			}
			return insertedIDs(ids), nil
		}),
		"collection_find_many_documents": decoded(func(ctx context.Context, s *persistence.Service, a *findManyArgs) (any, error) {
			docs, err := s.CollectionFindManyDocuments(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Filter, docstore.FindOptions{Skip: a.Skip, Limit: a.Limit, Sort: a.Sort})
			if err != nil {
				return nil, err
			}
			if docs == nil {
				docs = []docstore.Document{}
			}
			return docs, nil
		}),
		"collection_find_one_document": decoded(func(ctx context.Context, s *persistence.Service, a *findOneArgs) (any, error) {
			doc, err := s.CollectionFindOneDocument(ctx, a.Context.ContextSpecifier, a.Database.DatabaseSpecifier, a.Collection.CollectionSpecifier,
				a.Filter)
			if err != nil || doc == nil {
				return nil, err
			}
			return doc, nil
		}),

		"file_close": decoded(func(_ context.Context, s *persistence.Service, a *fileArgs) (any, error) {
			return none(s.FileClose(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier))
		}),
		"file_write_text": decoded(func(_ context.Context, s *persistence.Service, a *writeTextArgs) (any, error) {
			return none(s.FileWriteText(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier, *a.Data))
		}),
		"file_write_bytes": decoded(func(_ context.Context, s *persistence.Service, a *writeBytesArgs) (any, error) {
			return none(s.FileWriteBytes(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier, []byte(*a.Data)))
		}),
		"file_read_text": decoded(func(_ context.Context, s *persistence.Service, a *readArgs) (any, error) {
			return s.FileReadText(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier, a.Size)
		}),
		"file_read_bytes": decoded(func(_ context.Context, s *persistence.Service, a *readArgs) (any, error) {
			data, err := s.FileReadBytes(a.Context.ContextSpecifier, a.FileHandle.FileHandleSpecifier, a.Size)
			if err != nil {
				return nil, err
			}
			return ByteArray(data), nil
		}),

		"get_context_base_path": decoded(func(_ context.Context, s *persistence.Service, a *contextArgs) (any, error) {
			return s.GetContextBasePath(a.Context.ContextSpecifier)
		}),
		"get_absolute_path_to": decoded(func(_ context.Context, s *persistence.Service, a *pathArgs) (any, error) {
			return s.GetAbsolutePathTo(a.Context.ContextSpecifier, *a.Path)
		}),
		"create_directory": decoded(func(_ context.Context, s *persistence.Service, a *createDirectoryArgs) (any, error) {
			return none(s.CreateDirectory(a.Context.ContextSpecifier, *a.Path, *a.Parents))
		}),
		"remove_directory": decoded(func(_ context.Context, s *persistence.Service, a *pathArgs) (any, error) {
			return none(s.RemoveDirectory(a.Context.ContextSpecifier, *a.Path))
		}),
		"remove_file": decoded(func(_ context.Context, s *persistence.Service, a *pathArgs) (any, error) {
			return none(s.RemoveFile(a.Context.ContextSpecifier, *a.Path))
		}),
		"file_metadata": decoded(func(_ context.Context, s *persistence.Service, a *pathArgs) (any, error) {
			return s.FileMetadata(a.Context.ContextSpecifier, *a.Path)
		}),
		"list_directory": decoded(func(_ context.Context, s *persistence.Service, a *pathArgs) (any, error) {
			infos, err := s.ListDirectory(a.Context.ContextSpecifier, *a.Path)
			if err != nil {
				return nil, err
			}
			if infos == nil {
				infos = []persistence.PathInformation{}
			}
			return infos, nil
		}),

		"close_context": decoded(func(_ context.Context, s *persistence.Service, a *contextArgs) (any, error) {
			return none(s.CloseContext(a.Context.ContextSpecifier))
		}),
		"cleanup": decoded(func(ctx context.Context, s *persistence.Service, _ *emptyArgs) (any, error) {
			return none(s.Cleanup(ctx))
		}),
	}
}

func updateResult(res docstore.UpdateResult) map[string]any {
	out := map[string]any{
		"matched":  res.Matched,
		"modified": res.Modified,
	}
	if res.UpsertedID != nil {
		out["upserted_id"] = res.UpsertedID
	}
	return out
}

// insertedIDs keys the input index as a decimal string.
func insertedIDs(ids map[int]any) map[string]any {
	out := make(map[string]any, len(ids))
	for i, id := range ids {
		out[fmt.Sprint(i)] = id
	}
	return out
}
