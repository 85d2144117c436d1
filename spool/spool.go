// Package spool implements a file-backed scatter/gather store for archive
// entries that are compressed on multiple goroutines and merged into an
// archive on a single one.
package spool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/unpack/internal/streams"
)

// Entry describes one spooled entry. CRC32 and Size describe the
// uncompressed content, CompressedSize the bytes stored in the spool.
//
// The values are transferred into the final archive entry during the
// merge, on the goroutine performing the merge.
type Entry struct {
	Name           string
	CRC32          uint32
	Size           int64
	CompressedSize int64
}

// Option configures a FileSpool.
type Option func(*FileSpool)

// WithLogger sets a logger for per-entry progress. By default nothing is
// logged.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileSpool) {
		s.logger = logger
	}
}

// FileSpool buffers compressed entries in a temporary file.
//
// Add may be called from multiple goroutines; Drain must be called from a
// single goroutine once all producers are done.
type FileSpool struct {
	mu      sync.Mutex
	f       *os.File
	entries []Entry
	written int64
	closed  bool

	logger *slog.Logger
}

// NewFileSpool creates a spool backed by a temporary file in dir. An empty
// dir selects the default directory for temporary files.
func NewFileSpool(dir string, opts ...Option) (*FileSpool, error) {
	f, err := os.CreateTemp(dir, "spool-*.tmp")
	if err != nil {
		return nil, err
	}
	s := &FileSpool{f: f}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileSpool) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Add appends one compressed entry to the spool. crc and size describe
// the uncompressed content, compressed supplies the compressed bytes.
func (s *FileSpool) Add(name string, crc uint32, size int64, compressed io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("spool: already closed")
	}
	n, err := io.Copy(s.f, compressed)
	if err != nil {
		return fmt.Errorf("spool: adding %s: %w", name, err)
	}
	s.entries = append(s.entries, Entry{
		Name:           name,
		CRC32:          crc,
		Size:           size,
		CompressedSize: n,
	})
	s.written += n
	s.log().Debug("spooled entry", "name", name, "compressedSize", n)
	return nil
}

// Producer compresses one entry and hands it to Add.
type Producer func(*FileSpool) error

// Gather runs the producers concurrently, bounded by limit goroutines
// (limit <= 0 means one per producer), and waits for all of them. It
// returns the first producer error; the other producers still run to
// completion and their entries stay in the spool.
func (s *FileSpool) Gather(limit int, producers ...Producer) error {
	var eg errgroup.Group
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for _, produce := range producers {
		produce := produce
		eg.Go(func() error {
			return produce(s)
		})
	}
	return eg.Wait()
}

// Entries returns the spooled entries in the order they were added.
func (s *FileSpool) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Drain replays every spooled entry in order, calling write with the
// entry's metadata and a reader over its compressed bytes. Drain is
// single-threaded and must be called by the goroutine performing the
// final merge.
func (s *FileSpool) Drain(write func(Entry, io.Reader) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("spool: already closed")
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, entry := range s.entries {
		bounded := streams.NewBoundedReader(s.f, entry.CompressedSize)
		if err := write(entry, bounded); err != nil {
			return fmt.Errorf("spool: draining %s: %w", entry.Name, err)
		}
		// position the file at the next entry even if write consumed less
		if rem := bounded.Remaining(); rem > 0 {
			if _, err := s.f.Seek(rem, io.SeekCurrent); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close removes the backing file. Close is idempotent.
func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
