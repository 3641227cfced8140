package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/persistd/internal/persistence"
	"github.com/roach88/persistd/internal/testutil"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	svc := persistence.NewService(persistence.Options{IDs: testutil.NewSequentialIDGenerator("id")})
	t.Cleanup(func() { svc.Cleanup(context.Background()) })
	return NewDispatcher(svc, nil)
}

// call runs a command and returns its result as JSON.
func call(t *testing.T, d *Dispatcher, command, args string) string {
	t.Helper()
	data, err := d.Call(context.Background(), command, json.RawMessage(args))
	require.NoError(t, err, "%s %s", command, args)
	out, err := json.Marshal(data)
	require.NoError(t, err)
	return string(out)
}

func callErr(t *testing.T, d *Dispatcher, command, args string) *persistence.Error {
	t.Helper()
	_, err := d.Call(context.Background(), command, json.RawMessage(args))
	require.Error(t, err, "%s %s", command, args)
	var pe *persistence.Error
	require.ErrorAs(t, err, &pe)
	return pe
}

// openScratch opens context T at a temp dir and returns its canonical root.
func openScratch(t *testing.T, d *Dispatcher) string {
	t.Helper()
	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	args := fmt.Sprintf(`{"context": {"alias": "T", "path": %q}}`, dir)
	assert.JSONEq(t, fmt.Sprintf(`{"alias": "T", "path": %q}`, root), call(t, d, "context", args))
	return root
}

const (
	ctxT = `"context": {"alias": "T"}`
	dbT  = `"database": {"alias": "db", "path": "app.db"}`
)

func TestDispatcher_Commands(t *testing.T) {
	d := newTestDispatcher(t)
	commands := d.Commands()
	assert.Len(t, commands, 31)
	for _, name := range []string{
		"context", "database", "file_handle", "database_get_collections", "database_close",
		"database_start_transaction", "database_commit_transaction", "database_rollback_transaction",
		"collection_count_documents", "collection_update_documents", "collection_delete_documents",
		"collection_create_index", "collection_drop_index", "collection_drop",
		"collection_insert_documents", "collection_find_many_documents", "collection_find_one_document",
		"file_close", "file_write_text", "file_write_bytes", "file_read_text", "file_read_bytes",
		"get_context_base_path", "get_absolute_path_to", "create_directory", "remove_directory",
		"remove_file", "file_metadata", "list_directory", "close_context", "cleanup",
	} {
		assert.Contains(t, commands, name)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)
	pe := callErr(t, d, "frobnicate", `{}`)
	assert.Equal(t, persistence.KindUnknown, pe.Kind)
}

func TestDispatcher_ArgumentErrors(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)

	tests := []struct {
		name    string
		command string
		args    string
	}{
		{"not an object", "context", `[1]`},
		{"unknown field", "context", `{"context": {"alias": "T"}, "extra": 1}`},
		{"unknown specifier field", "context", `{"context": {"alias": "T", "root": "/x"}}`},
		{"specifier without alias", "context", `{"context": {"path": "/x"}}`},
		{"missing context", "get_context_base_path", `{}`},
		{"missing path", "create_directory", `{` + ctxT + `, "parents": true}`},
		{"missing parents", "create_directory", `{` + ctxT + `, "path": "a"}`},
		{"wrong type", "create_directory", `{` + ctxT + `, "path": 3, "parents": true}`},
		{"mixed file specifier", "file_handle", `{` + ctxT + `, "file_handle": {"id": "x", "path": "f"}}`},
		{"mode without flags", "file_handle", `{` + ctxT + `, "file_handle": {"path": "f", "mode": {"mode": "create"}}}`},
		{"unknown mode", "file_handle", `{` + ctxT + `, "file_handle": {"path": "f", "mode": {"mode": "append"}}}`},
		{"bad byte value", "file_write_bytes", `{` + ctxT + `, "file_handle": {"id": "x"}, "data": [256]}`},
		{"bad operations", "collection_delete_documents",
			`{` + ctxT + `, ` + dbT + `, "collection": {"name": "c"}, "query": {}, "operations": "some"}`},
		{"missing collection", "collection_count_documents", `{` + ctxT + `, ` + dbT + `}`},
		{"missing upsert", "collection_update_documents",
			`{` + ctxT + `, ` + dbT + `, "collection": {"name": "c"}, "query": {}, "update": {}, "operations": "one"}`},
		{"missing transaction", "database_commit_transaction", `{` + ctxT + `, ` + dbT + `}`},
		{"cleanup takes nothing", "cleanup", `{"force": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := callErr(t, d, tt.command, tt.args)
			assert.Equal(t, persistence.KindDeserializationError, pe.Kind, pe.Reason)
		})
	}
}

func TestDispatcher_ContextPaths(t *testing.T) {
	d := newTestDispatcher(t)
	root := openScratch(t, d)

	assert.Equal(t, fmt.Sprintf("%q", root), call(t, d, "get_context_base_path", `{`+ctxT+`}`))
	assert.Equal(t, fmt.Sprintf("%q", filepath.Join(root, "a", "b")),
		call(t, d, "get_absolute_path_to", `{`+ctxT+`, "path": "a/b"}`))

	pe := callErr(t, d, "get_absolute_path_to", `{`+ctxT+`, "path": "../x"}`)
	assert.Equal(t, persistence.KindPathEscapesContext, pe.Kind)

	pe = callErr(t, d, "get_context_base_path", `{"context": {"alias": "nope"}}`)
	assert.Equal(t, persistence.KindUnknownContext, pe.Kind)
}

func TestDispatcher_Collections(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)
	coll := `{` + ctxT + `, ` + dbT + `, "collection": {"name": "people"}`

	assert.JSONEq(t, `{"alias": "db", "path": "app.db"}`, call(t, d, "database", `{`+ctxT+`, `+dbT+`}`))
	assert.JSONEq(t, `[]`, call(t, d, "database_get_collections", `{`+ctxT+`, `+dbT+`}`))

	assert.JSONEq(t, `{"0": 1, "1": 2, "2": 3}`, call(t, d, "collection_insert_documents", coll+`, "documents": [
		{"_id": 1, "name": "ada", "age": 36},
		{"_id": 2, "name": "alan", "age": 41},
		{"_id": 3, "name": "grace", "age": 85}
	]}`))
	assert.Equal(t, `3`, call(t, d, "collection_count_documents", coll+`}`))
	assert.JSONEq(t, `["people"]`, call(t, d, "database_get_collections", `{`+ctxT+`, `+dbT+`}`))

	assert.JSONEq(t, `[{"_id": 3, "name": "grace", "age": 85}, {"_id": 2, "name": "alan", "age": 41}]`,
		call(t, d, "collection_find_many_documents", coll+`, "filter": {"age": {"$gt": 40}}, "sort": {"age": -1}}`))
	assert.JSONEq(t, `[{"_id": 2, "name": "alan", "age": 41}]`,
		call(t, d, "collection_find_many_documents", coll+`, "filter": {}, "sort": {"_id": 1}, "skip": 1, "limit": 1}`))

	assert.JSONEq(t, `{"matched": 1, "modified": 1}`, call(t, d, "collection_update_documents",
		coll+`, "query": {"_id": 1}, "update": {"$set": {"age": 37}}, "operations": "one", "upsert": false}`))
	assert.JSONEq(t, `{"_id": 1, "name": "ada", "age": 37}`,
		call(t, d, "collection_find_one_document", coll+`, "filter": {"name": "ada"}}`))
	assert.Equal(t, `null`, call(t, d, "collection_find_one_document", coll+`, "filter": {"name": "nobody"}}`))

	assert.Equal(t, `null`, call(t, d, "collection_create_index", coll+`, "keys": {"name": 1}, "unique": true}`))
	pe := callErr(t, d, "collection_insert_documents", coll+`, "documents": [{"_id": 4, "name": "ada"}]}`)
	assert.Equal(t, persistence.KindDatabaseError, pe.Kind)
	assert.Equal(t, `null`, call(t, d, "collection_drop_index", coll+`, "name": "name_1"}`))

	assert.Equal(t, `2`, call(t, d, "collection_delete_documents", coll+`, "query": {"age": {"$lt": 50}}, "operations": "many"}`))
	assert.Equal(t, `null`, call(t, d, "collection_drop", coll+`}`))
	assert.Equal(t, `0`, call(t, d, "collection_count_documents", coll+`}`))

	assert.Equal(t, `null`, call(t, d, "database_close", `{`+ctxT+`, "database": {"alias": "db"}}`))
	pe = callErr(t, d, "database_get_collections", `{`+ctxT+`, "database": {"alias": "db"}}`)
	assert.Equal(t, persistence.KindUnknownDatabase, pe.Kind)
}

func TestDispatcher_Transactions(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)
	db := `{` + ctxT + `, ` + dbT

	var txID string
	require.NoError(t, json.Unmarshal([]byte(call(t, d, "database_start_transaction", db+`}`)), &txID))
	require.NotEmpty(t, txID)

	inTx := db + fmt.Sprintf(`, "collection": {"name": "c", "transaction": %q}`, txID)
	outside := db + `, "collection": {"name": "c"}`

	call(t, d, "collection_insert_documents", inTx+`, "documents": [{"_id": "a"}]}`)
	assert.Equal(t, `1`, call(t, d, "collection_count_documents", inTx+`}`))
	assert.Equal(t, `0`, call(t, d, "collection_count_documents", outside+`}`))

	call(t, d, "database_commit_transaction", db+fmt.Sprintf(`, "transaction": %q}`, txID))
	assert.Equal(t, `1`, call(t, d, "collection_count_documents", outside+`}`))

	pe := callErr(t, d, "database_rollback_transaction", db+fmt.Sprintf(`, "transaction": %q}`, txID))
	assert.Equal(t, persistence.KindUnknownTransaction, pe.Kind)
	pe = callErr(t, d, "collection_count_documents", inTx+`}`)
	assert.Equal(t, persistence.KindUnknownTransaction, pe.Kind)
}

func TestDispatcher_Files(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)

	var info struct {
		ID   string          `json:"id"`
		Path string          `json:"path"`
		Mode json.RawMessage `json:"mode"`
	}
	out := call(t, d, "file_handle",
		`{`+ctxT+`, "file_handle": {"path": "data/f.bin", "mode": {"mode": "create", "new": true, "overwrite": false}}}`)
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "data/f.bin", info.Path)
	assert.JSONEq(t, `{"mode": "create", "new": true, "overwrite": false}`, string(info.Mode))

	fh := fmt.Sprintf(`"file_handle": {"id": %q}`, info.ID)
	call(t, d, "file_write_bytes", `{`+ctxT+`, `+fh+`, "data": [104, 105, 0, 255]}`)
	call(t, d, "file_write_bytes", `{`+ctxT+`, `+fh+`, "data": "AQI="}`)
	call(t, d, "file_close", `{`+ctxT+`, `+fh+`}`)

	pe := callErr(t, d, "file_close", `{`+ctxT+`, `+fh+`}`)
	assert.Equal(t, persistence.KindUnknownFileHandle, pe.Kind)

	out = call(t, d, "file_handle", `{`+ctxT+`, "file_handle": {"path": "data/f.bin", "mode": {"mode": "read"}}}`)
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	fh = fmt.Sprintf(`"file_handle": {"id": %q}`, info.ID)

	assert.Equal(t, `"hi"`, call(t, d, "file_read_text", `{`+ctxT+`, `+fh+`, "size": 2}`))
	assert.Equal(t, `[0,255,1,2]`, call(t, d, "file_read_bytes", `{`+ctxT+`, `+fh+`}`))
	assert.Equal(t, `[]`, call(t, d, "file_read_bytes", `{`+ctxT+`, `+fh+`}`))
}

func TestDispatcher_HugeReadSize(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)

	fh := `"file_handle": {"id": "id-1"}`
	call(t, d, "file_handle", `{`+ctxT+`, "file_handle": {"path": "f.txt", "mode": {"mode": "create", "new": true, "overwrite": true}}}`)
	call(t, d, "file_write_text", `{`+ctxT+`, `+fh+`, "data": "ABC"}`)
	call(t, d, "file_close", `{`+ctxT+`, `+fh+`}`)

	call(t, d, "file_handle", `{`+ctxT+`, "file_handle": {"path": "f.txt", "mode": {"mode": "read"}}}`)
	assert.Equal(t, `[65,66,67]`,
		call(t, d, "file_read_bytes", `{`+ctxT+`, "file_handle": {"id": "id-2"}, "size": 1000000000000000}`))

	call(t, d, "file_handle", `{`+ctxT+`, "file_handle": {"path": "f.txt", "mode": {"mode": "read"}}}`)
	assert.Equal(t, `"ABC"`,
		call(t, d, "file_read_text", `{`+ctxT+`, "file_handle": {"id": "id-3"}, "size": 4611686018427387904}`))
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	d := newTestDispatcher(t)
	d.commands["explode"] = func(context.Context, *persistence.Service, json.RawMessage) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}

	pe := callErr(t, d, "explode", `{}`)
	assert.Equal(t, persistence.KindUnknown, pe.Kind)
	assert.Contains(t, pe.Reason, "command explode failed")

	resp := d.Handle(context.Background(), Request{ID: "r1", Command: "explode"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "r1", resp.ID)
}

func TestDispatcher_FilesystemCommands(t *testing.T) {
	d := newTestDispatcher(t)
	root := openScratch(t, d)

	call(t, d, "create_directory", `{`+ctxT+`, "path": "a/b", "parents": true}`)
	assert.JSONEq(t, fmt.Sprintf(`[{"file_name": "a", "absolute_path": %q, "media_type": "inode/directory"}]`,
		filepath.Join(root, "a")), call(t, d, "list_directory", `{`+ctxT+`, "path": "."}`))
	assert.JSONEq(t, `[]`, call(t, d, "list_directory", `{`+ctxT+`, "path": "a/b"}`))

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(call(t, d, "file_metadata", `{`+ctxT+`, "path": "a"}`)), &meta))
	assert.Equal(t, "directory", meta["file_type"])

	pe := callErr(t, d, "remove_file", `{`+ctxT+`, "path": "a"}`)
	assert.Equal(t, persistence.KindFilesystemError, pe.Kind)
	assert.Equal(t, persistence.OpRemoveFile, pe.Operation)

	call(t, d, "remove_directory", `{`+ctxT+`, "path": "a"}`)
	assert.JSONEq(t, `[]`, call(t, d, "list_directory", `{`+ctxT+`, "path": "."}`))
}

func TestDispatcher_CloseContextAndCleanup(t *testing.T) {
	d := newTestDispatcher(t)
	openScratch(t, d)

	call(t, d, "database", `{`+ctxT+`, `+dbT+`}`)
	pe := callErr(t, d, "close_context", `{`+ctxT+`}`)
	assert.Equal(t, persistence.KindResourceBusy, pe.Kind)

	call(t, d, "database_close", `{`+ctxT+`, "database": {"alias": "db"}}`)
	call(t, d, "close_context", `{`+ctxT+`}`)
	pe = callErr(t, d, "get_context_base_path", `{`+ctxT+`}`)
	assert.Equal(t, persistence.KindUnknownContext, pe.Kind)

	openScratch(t, d)
	call(t, d, "database", `{`+ctxT+`, `+dbT+`}`)
	assert.Equal(t, `null`, call(t, d, "cleanup", ``))
	pe = callErr(t, d, "get_context_base_path", `{`+ctxT+`}`)
	assert.Equal(t, persistence.KindUnknownContext, pe.Kind)
}

func TestDispatcher_HandleWrapsErrors(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Handle(context.Background(), Request{ID: "r1", Command: "context", Args: json.RawMessage(`{"context": {"alias": "X"}}`)})
	assert.Equal(t, StatusError, resp.Status)
	out, err := json.Marshal(resp.wire())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": "r1", "status": "error", "error": {
		"kind": "unknown_context",
		"reason": "the requested context (X) has not been initialized"
	}}`, string(out))
}
