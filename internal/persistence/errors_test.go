package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/sandbox"
)

func requireKind(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	require.Error(t, err)
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *Error, got %T: %v", err, err)
	require.Equal(t, kind, pe.Kind, "unexpected kind for %v", err)
	return pe
}

func TestErrorWireFormat(t *testing.T) {
	errs := []error{
		errOpenContext("T", "/scratch/t", "Context is already open at another path."),
		errOpenDatabase("D", "T", "d.db", errors.New("Database is already open at another path.")),
		errOpenFileHandle("f.txt", "T", &fs.PathError{Op: "open", Path: "/host/root/f.txt", Err: syscall.ENOENT}),
		errUnknownContext("T"),
		errUnknownTransaction("tx-1"),
		errFilesystemReason(OpRemoveFile, "Specified path is not a file or does not exist."),
		errResourceBusy("context %s still has %d open database(s)", "T", 1),
		&sandbox.Error{Kind: sandbox.KindNoAbsolutePaths, Path: "/etc/passwd"},
		errDatabase(docstore.ErrDuplicateKey),
		docstore.ErrTxDone,
		errors.New("boom"),
	}

	var buf bytes.Buffer
	for _, e := range errs {
		data, err := json.Marshal(FromError(e))
		require.NoError(t, err)
		buf.Write(data)
		buf.WriteByte('\n')
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "error_wire", buf.Bytes())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		"failed to open context T at /x: bad",
		errOpenContext("T", "/x", "bad").Error())
	assert.Equal(t,
		"failed to open database D in context T at d.db: bad",
		errOpenDatabase("D", "T", "d.db", errors.New("bad")).Error())
	assert.Equal(t,
		"filesystem operation LIST_DIRECTORY failed: gone",
		errFilesystemReason(OpListDirectory, "gone").Error())
	assert.Equal(t, "boom", NewError(KindIOError, "boom").Error())
}

func TestReasonOf_StripsHostPath(t *testing.T) {
	err := errIO(&fs.PathError{Op: "write", Path: "/secret/root/f.txt", Err: syscall.EBADF})
	pe := requireKind(t, err, KindIOError)
	assert.NotContains(t, pe.Reason, "/secret/root")
	assert.True(t, errors.Is(err, syscall.EBADF))
}

func TestFromError(t *testing.T) {
	t.Run("passes *Error through", func(t *testing.T) {
		orig := NewError(KindIOError, "x")
		wrapped := fmt.Errorf("context: %w", orig)
		assert.Same(t, orig, FromError(wrapped))
	})

	t.Run("keeps sandbox kinds", func(t *testing.T) {
		err := &sandbox.Error{Kind: sandbox.KindPathEscapesContext, Path: "../x", Reason: "outside"}
		pe := FromError(err)
		assert.Equal(t, KindPathEscapesContext, pe.Kind)
		assert.Equal(t, "../x", pe.Path)
	})

	t.Run("finished transaction", func(t *testing.T) {
		err := fmt.Errorf("insert: %w", docstore.ErrTxDone)
		assert.Equal(t, KindUnknownTransaction, KindOf(err))
		assert.Equal(t, KindUnknownTransaction, KindOf(errDatabase(err)))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, FromError(nil))
		assert.Equal(t, ErrorKind(""), KindOf(nil))
		assert.False(t, IsKind(nil, KindUnknown))
	})
}

func TestAggregate(t *testing.T) {
	assert.NoError(t, aggregate("cleanup failed", nil))

	same := aggregate("cleanup failed", []error{errIO(errors.New("a")), errIO(errors.New("b"))})
	pe := requireKind(t, same, KindIOError)
	assert.Equal(t, "cleanup failed: a; b", pe.Reason)

	mixed := aggregate("cleanup failed", []error{errIO(errors.New("a")), errUnknownContext("T")})
	requireKind(t, mixed, KindUnknown)

	// Kinds with required fields cannot be aggregated as themselves.
	fsErrs := aggregate("cleanup failed", []error{
		errFilesystemReason(OpRemoveFile, "a"),
		errFilesystemReason(OpRemoveFile, "b"),
	})
	requireKind(t, fsErrs, KindUnknown)

	inner := errors.New("root cause")
	joined := aggregate("cleanup failed", []error{errIO(inner)})
	assert.True(t, errors.Is(joined, inner))
}
