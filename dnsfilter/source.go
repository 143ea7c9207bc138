package dnsfilter

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Source is the addressable rule text a Filter was loaded from: either a
// file kept open for the filter's lifetime, or an in-memory blob. Either
// rendering satisfies the offset→line contract from §9: every offset
// recorded in the index must re-read, byte for byte, to the same line
// that produced it.
type Source interface {
	// ReadLineAt returns the logical line starting at byte offset off,
	// without its terminating newline.
	ReadLineAt(off int64) (string, error)

	// ForEachLine calls fn with each non-empty line's byte offset and
	// text, in order. It is used only at Load time.
	ForEachLine(fn func(off int64, line string) error) error

	// ModTime returns the backing file's modification time, or the zero
	// time for an in-memory source (which is never outdated).
	ModTime() (time.Time, error)

	// Path returns the filesystem path, or "" for an in-memory source.
	Path() string
}

// fileSource re-reads lines from an open file by byte offset. A mutex
// guards the shared *os.File since Go's os.File has no ReadAt-without-
// sync primitive that is also safe when interleaved with Seek-based
// scanning.
type fileSource struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenFileSource opens path and keeps it open for repeated offset reads.
func OpenFileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &fileSource{path: path, f: f}, nil
}

func (s *fileSource) Path() string { return s.path }

func (s *fileSource) ModTime() (time.Time, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}

	return fi.ModTime(), nil
}

func (s *fileSource) ReadLineAt(off int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}

	r := bufio.NewReader(s.f)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (s *fileSource) ForEachLine(fn func(off int64, line string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return forEachLine(s.f, fn)
}

// Close releases the underlying file handle.
func (s *fileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.f.Close()
}

// memSource holds the rule blob in memory; offsets index directly into
// the string.
type memSource struct {
	data string
}

// NewMemSource wraps an in-memory rule blob as a Source.
func NewMemSource(data string) Source {
	return &memSource{data: data}
}

func (s *memSource) Path() string                { return "" }
func (s *memSource) ModTime() (time.Time, error) { return time.Time{}, nil }

func (s *memSource) ReadLineAt(off int64) (string, error) {
	if off < 0 || off > int64(len(s.data)) {
		return "", io.EOF
	}

	rest := s.data[off:]
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		return strings.TrimRight(rest[:idx], "\r"), nil
	}

	return rest, nil
}

func (s *memSource) ForEachLine(fn func(off int64, line string) error) error {
	return forEachLine(strings.NewReader(s.data), fn)
}

// forEachLine walks r line by line, reporting the byte offset each line
// started at. It resolves the "open question" in §9 about trailing-line
// handling: every non-empty line is emitted exactly once regardless of
// whether the source ends with a trailing newline. Offsets are tracked from
// bufio.Reader.ReadString's actual return length rather than assumed from
// len(line)+1, so a CRLF-terminated source (two consumed bytes per line
// rather than one) still produces offsets ReadLineAt can re-seek to.
func forEachLine(r io.Reader, fn func(off int64, line string) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var off int64
	for {
		raw, err := br.ReadString('\n')
		if len(raw) == 0 {
			if err == io.EOF {
				return nil
			}

			return err
		}

		lineOff := off
		off += int64(len(raw))

		line := strings.TrimRight(raw, "\r\n")
		if strings.TrimSpace(line) != "" {
			if ferr := fn(lineOff, line); ferr != nil {
				return ferr
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}
	}
}
