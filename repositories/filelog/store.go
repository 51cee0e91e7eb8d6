// Package filelog persists every store mutation as one JSON line in an
// append-only file and replays the file into memory at startup.
package filelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/repositories/memory"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	opPut    = "put"
	opDelete = "delete"
)

type entry struct {
	Seq        int64           `json:"seq"`
	Op         string          `json:"op"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	At         time.Time       `json:"at"`
}

// CorruptLogError reports a log that could not be replayed. The damaged file
// is kept at MovedTo and the store starts empty.
type CorruptLogError struct {
	Path    string
	MovedTo string
	Line    int
	Err     error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt mutation log %s at line %d (moved to %s): %v", e.Path, e.Line, e.MovedTo, e.Err)
}

func (e *CorruptLogError) Unwrap() error {
	return e.Err
}

// Options tune a file log store
type Options struct {
	// Sync fsyncs after every append
	Sync bool
	// OnLoadError receives replay problems that did not prevent startup
	OnLoadError func(err error)
	// Now stamps entries; defaults to time.Now
	Now func() time.Time
}

type batchContextKey struct{}

type batch struct {
	entries []entry
}

// logFile is the part of *os.File the store appends through
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Store is a memory store whose mutations are written ahead to a log file
type Store struct {
	*memory.Store

	mu     sync.Mutex
	path   string
	file   logFile
	torn   int64 // offset of a failed append still to be cut, -1 when clean
	seq    int64
	opts   Options
	logger *zap.Logger
}

// Open replays path into memory and keeps it open for appends. A torn final
// line is truncated; any other damage moves the file aside and starts empty.
func Open(path string, logger *zap.Logger, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	s := &Store{
		Store:  memory.New(),
		path:   path,
		torn:   -1,
		opts:   opts,
		logger: logger,
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mutation log: %w", err)
	}

	if err := s.replay(file); err != nil {
		var corrupt *CorruptLogError
		if !errors.As(err, &corrupt) {
			file.Close()
			return nil, err
		}
		file.Close()
		if file, err = s.quarantine(corrupt); err != nil {
			return nil, err
		}
		logger.Error("mutation log corrupt, starting empty",
			zap.String("path", path),
			zap.String("moved_to", corrupt.MovedTo),
			zap.Int("line", corrupt.Line),
			zap.Error(corrupt.Err))
		if opts.OnLoadError != nil {
			opts.OnLoadError(corrupt)
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek mutation log: %w", err)
	}
	s.file = file

	logger.Info("mutation log opened", zap.String("path", path), zap.Int64("entries", s.seq))
	return s, nil
}

func (s *Store) replay(file *os.File) error {
	reader := bufio.NewReader(file)
	var offset int64
	line := 0

	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && readErr == io.EOF {
			return nil
		}
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("failed to read mutation log: %w", readErr)
		}
		line++

		torn := readErr == io.EOF
		var e entry
		decodeErr := json.Unmarshal(bytes.TrimSpace(raw), &e)
		if decodeErr == nil {
			decodeErr = validate(e)
		}

		if torn || decodeErr != nil {
			if torn || s.atEnd(reader) {
				return s.truncate(file, offset, line)
			}
			return &CorruptLogError{Path: s.path, Line: line, Err: decodeErr}
		}

		if err := s.apply(e); err != nil {
			return &CorruptLogError{Path: s.path, Line: line, Err: err}
		}
		offset += int64(len(raw))
	}
}

// atEnd reports whether only whitespace remains
func (s *Store) atEnd(reader *bufio.Reader) bool {
	rest, _ := io.ReadAll(reader)
	return len(bytes.TrimSpace(rest)) == 0
}

func (s *Store) truncate(file *os.File, offset int64, line int) error {
	s.logger.Warn("truncating torn mutation log tail",
		zap.String("path", s.path),
		zap.Int("line", line),
		zap.Int64("offset", offset))
	if err := file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate mutation log: %w", err)
	}
	return nil
}

func (s *Store) quarantine(corrupt *CorruptLogError) (*os.File, error) {
	corrupt.MovedTo = fmt.Sprintf("%s.corrupt-%d", s.path, s.opts.Now().UnixNano())
	if err := os.Rename(s.path, corrupt.MovedTo); err != nil {
		return nil, fmt.Errorf("failed to move corrupt mutation log: %w", err)
	}
	s.Store = memory.New()
	s.seq = 0
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate mutation log: %w", err)
	}
	return file, nil
}

func validate(e entry) error {
	switch {
	case e.Op != opPut && e.Op != opDelete:
		return fmt.Errorf("unknown op %q", e.Op)
	case e.Collection == "" || e.Key == "":
		return errors.New("missing collection or key")
	case e.Op == opPut && len(e.Value) == 0:
		return errors.New("put without value")
	}
	return nil
}

func (s *Store) apply(e entry) error {
	ctx := context.Background()
	if e.Seq > s.seq {
		s.seq = e.Seq
	}
	if e.Op == opDelete {
		return s.Store.Delete(ctx, e.Collection, e.Key)
	}
	return s.Store.Put(ctx, e.Collection, e.Key, e.Value)
}

// Put appends a put entry, then applies it
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s/%s is not a JSON document", collection, key)
	}
	return s.write(ctx, entry{Op: opPut, Collection: collection, Key: key, Value: append(json.RawMessage(nil), value...)})
}

// Delete appends a delete entry, then applies it
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.write(ctx, entry{Op: opDelete, Collection: collection, Key: key})
}

func (s *Store) write(ctx context.Context, e entry) error {
	if b, ok := ctx.Value(batchContextKey{}).(*batch); ok {
		b.entries = append(b.entries, e)
		return nil
	}
	return s.commit([]entry{e})
}

// Batch writes every mutation made by fn as one append. Reads inside fn do
// not observe the batch's own writes.
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(batchContextKey{}).(*batch); ok {
		return fn(ctx)
	}
	b := &batch{}
	if err := fn(context.WithValue(ctx, batchContextKey{}, b)); err != nil {
		return err
	}
	if len(b.entries) == 0 {
		return nil
	}
	return s.commit(b.entries)
}

func (s *Store) commit(entries []entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("mutation log is closed")
	}
	if s.torn >= 0 {
		if err := s.rollback(s.torn); err != nil {
			return fmt.Errorf("mutation log has an uncut failed append: %w", err)
		}
	}

	var buf bytes.Buffer
	now := s.opts.Now().UTC()
	seq := s.seq
	for i := range entries {
		seq++
		entries[i].Seq = seq
		entries[i].At = now
		line, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode mutation: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	offset, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to locate mutation log end: %w", err)
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return s.abort(offset, fmt.Errorf("failed to append mutation log: %w", err))
	}
	if s.opts.Sync {
		if err := s.file.Sync(); err != nil {
			return s.abort(offset, fmt.Errorf("failed to sync mutation log: %w", err))
		}
	}

	for _, e := range entries {
		if err := s.apply(e); err != nil {
			return err
		}
	}
	return nil
}

// abort cuts a failed append back to offset so a partial line never sits in
// the middle of the log. When the cut fails it is retried before the next
// append.
func (s *Store) abort(offset int64, cause error) error {
	if err := s.rollback(offset); err != nil {
		s.torn = offset
		s.logger.Error("failed to cut partial mutation log append",
			zap.String("path", s.path),
			zap.Int64("offset", offset),
			zap.Error(err))
		return multierr.Append(cause, err)
	}
	return cause
}

func (s *Store) rollback(offset int64) error {
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate mutation log: %w", err)
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek mutation log: %w", err)
	}
	s.torn = -1
	return nil
}

// Compact rewrites the log so it holds one put per live record
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	writer := bufio.NewWriter(tmp)
	encoder := json.NewEncoder(writer)
	now := s.opts.Now().UTC()
	var seq int64

	for _, collection := range s.Store.Collections() {
		err := s.Store.Scan(ctx, collection, func(key string, value []byte) error {
			seq++
			return encoder.Encode(entry{Seq: seq, Op: opPut, Collection: collection, Key: key, Value: value, At: now})
		})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write compaction file: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace mutation log: %w", err)
	}

	s.file.Close()
	s.file = tmp
	s.torn = -1
	s.seq = seq
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek compacted log: %w", err)
	}

	s.logger.Info("mutation log compacted", zap.String("path", s.path), zap.Int64("entries", seq))
	return nil
}

// Close closes the log file
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ repositories.Store = (*Store)(nil)
var _ repositories.Batcher = (*Store)(nil)
