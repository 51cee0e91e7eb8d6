package filelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/repositories"
	"go.uber.org/zap"
)

func openStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := Open(path, zap.NewNop(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ReplayRestoresState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")

	s := openStore(t, path, Options{Sync: true})
	require.NoError(t, s.Put(ctx, "transactions", "TX-1", []byte(`{"id":"TX-1","status":"pending_signature"}`)))
	require.NoError(t, s.Put(ctx, "transactions", "TX-1", []byte(`{"id":"TX-1","status":"partially_signed"}`)))
	require.NoError(t, s.Put(ctx, "transactions", "TX-2", []byte(`{"id":"TX-2"}`)))
	require.NoError(t, s.Delete(ctx, "transactions", "TX-2"))
	require.NoError(t, s.Close())

	reopened := openStore(t, path, Options{})
	got, err := reopened.Get(ctx, "transactions", "TX-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"TX-1","status":"partially_signed"}`, string(got))

	_, err = reopened.Get(ctx, "transactions", "TX-2")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestStore_RejectsNonJSONValues(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ops.jsonl"), Options{})
	err := s.Put(context.Background(), "c", "k", []byte("not json"))
	assert.Error(t, err)
}

func TestStore_TruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")

	s := openStore(t, path, Options{})
	require.NoError(t, s.Put(ctx, "settlements", "CS-1", []byte(`{"id":"CS-1"}`)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"op":"put","collection":"settlements","key":"CS-2","val`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var loadErrs []error
	reopened := openStore(t, path, Options{OnLoadError: func(err error) { loadErrs = append(loadErrs, err) }})
	assert.Empty(t, loadErrs, "a torn tail is repaired silently")

	_, err = reopened.Get(ctx, "settlements", "CS-1")
	require.NoError(t, err)
	_, err = reopened.Get(ctx, "settlements", "CS-2")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	require.NoError(t, reopened.Put(ctx, "settlements", "CS-3", []byte(`{"id":"CS-3"}`)))
	require.NoError(t, reopened.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))
	assert.NotContains(t, string(raw), "CS-2")
}

func TestStore_CorruptMiddleStartsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.jsonl")

	content := `{"seq":1,"op":"put","collection":"c","key":"a","value":{"n":1},"at":"2026-01-01T00:00:00Z"}
garbage line
{"seq":3,"op":"put","collection":"c","key":"b","value":{"n":2},"at":"2026-01-01T00:00:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var loadErr error
	s := openStore(t, path, Options{OnLoadError: func(err error) { loadErr = err }})

	var corrupt *CorruptLogError
	require.True(t, errors.As(loadErr, &corrupt))
	assert.Equal(t, 2, corrupt.Line)
	assert.FileExists(t, corrupt.MovedTo)

	_, err := s.Get(ctx, "c", "a")
	assert.ErrorIs(t, err, repositories.ErrNotFound, "state starts empty after corruption")

	require.NoError(t, s.Put(ctx, "c", "z", []byte(`{}`)))
	_, err = s.Get(ctx, "c", "z")
	assert.NoError(t, err)
}

func TestStore_Batch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")
	s := openStore(t, path, Options{})

	require.NoError(t, s.Put(ctx, "audit_events", repositories.SequenceKey(1), []byte(`{}`)))

	err := repositories.RunBatch(ctx, s, func(ctx context.Context) error {
		if err := s.Put(ctx, "audit_events", repositories.SequenceKey(2), []byte(`{}`)); err != nil {
			return err
		}
		return s.Delete(ctx, "audit_events", repositories.SequenceKey(1))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len("audit_events"))

	failed := errors.New("abort")
	err = s.Batch(ctx, func(ctx context.Context) error {
		_ = s.Put(ctx, "audit_events", repositories.SequenceKey(3), []byte(`{}`))
		return failed
	})
	assert.ErrorIs(t, err, failed)
	_, err = s.Get(ctx, "audit_events", repositories.SequenceKey(3))
	assert.ErrorIs(t, err, repositories.ErrNotFound, "an aborted batch writes nothing")
}

func TestStore_Compact(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")
	s := openStore(t, path, Options{})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "pipelines", "FUND-1", []byte(`{"id":"FUND-1"}`)))
	}
	require.NoError(t, s.Put(ctx, "pipelines", "FUND-2", []byte(`{"id":"FUND-2"}`)))
	require.NoError(t, s.Delete(ctx, "pipelines", "FUND-2"))

	require.NoError(t, s.Compact(ctx))
	require.NoError(t, s.Put(ctx, "pipelines", "FUND-3", []byte(`{"id":"FUND-3"}`)))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	reopened := openStore(t, path, Options{})
	assert.Equal(t, 2, reopened.Len("pipelines"))
}

// shortWriteFile writes half of the next write and then fails, like a disk
// running out of space mid append. failTruncates makes the following
// truncates fail as well.
type shortWriteFile struct {
	*os.File
	failWrites    int
	failTruncates int
}

func (f *shortWriteFile) Write(p []byte) (int, error) {
	if f.failWrites > 0 {
		f.failWrites--
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func (f *shortWriteFile) Truncate(size int64) error {
	if f.failTruncates > 0 {
		f.failTruncates--
		return errors.New("truncate failed")
	}
	return f.File.Truncate(size)
}

func TestStore_FailedAppendIsCutBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")

	s, err := Open(path, zap.NewNop(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "transactions", "TX-1", []byte(`{"id":"TX-1"}`)))

	s.file = &shortWriteFile{File: s.file.(*os.File), failWrites: 1}
	err = s.Put(ctx, "transactions", "TX-2", []byte(`{"id":"TX-2"}`))
	require.Error(t, err)
	_, err = s.Get(ctx, "transactions", "TX-2")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	require.NoError(t, s.Put(ctx, "transactions", "TX-3", []byte(`{"id":"TX-3"}`)))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)

	var loadErr error
	reopened := openStore(t, path, Options{OnLoadError: func(err error) { loadErr = err }})
	assert.NoError(t, loadErr)
	for _, key := range []string{"TX-1", "TX-3"} {
		_, err := reopened.Get(ctx, "transactions", key)
		assert.NoError(t, err, key)
	}
}

func TestStore_FailedCutIsRetriedBeforeNextAppend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.jsonl")

	s, err := Open(path, zap.NewNop(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "c", "a", []byte(`{"n":1}`)))

	s.file = &shortWriteFile{File: s.file.(*os.File), failWrites: 1, failTruncates: 2}
	require.Error(t, s.Put(ctx, "c", "b", []byte(`{"n":2}`)))
	// the retried cut fails again, so nothing is appended after the fragment
	require.Error(t, s.Put(ctx, "c", "c", []byte(`{"n":3}`)))
	require.NoError(t, s.Put(ctx, "c", "d", []byte(`{"n":4}`)))
	require.NoError(t, s.Close())

	var loadErr error
	reopened := openStore(t, path, Options{OnLoadError: func(err error) { loadErr = err }})
	assert.NoError(t, loadErr)
	_, err = reopened.Get(ctx, "c", "a")
	assert.NoError(t, err)
	_, err = reopened.Get(ctx, "c", "d")
	assert.NoError(t, err)
	_, err = reopened.Get(ctx, "c", "c")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
