// Package logtail reads the monitored log file.
package logtail

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/afero"

	"livewatch/internal/models"
)

const maxLineBytes = 1 << 20

// Reader reads the monitored file through an afero filesystem.
type Reader struct {
	fs   afero.Fs
	path string
}

// New creates a reader for path.
func New(fsys afero.Fs, path string) *Reader {
	return &Reader{fs: fsys, path: path}
}

// Last returns up to n trailing lines. A missing file yields no lines.
func (r *Reader) Last(n int) ([]models.LogEntry, error) {
	if n <= 0 {
		return []models.LogEntry{}, nil
	}
	f, err := r.fs.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ring[count%n] = strings.TrimSpace(scanner.Text())
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}

	size := count
	if size > n {
		size = n
	}
	entries := make([]models.LogEntry, 0, size)
	for i := count - size; i < count; i++ {
		entries = append(entries, toEntry(ring[i%n]))
	}
	return entries, nil
}

// ReadAll returns the whole file verbatim.
func (r *Reader) ReadAll() ([]byte, error) {
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return data, nil
}

// toEntry lifts a leading RFC 3339 timestamp into the entry when present.
func toEntry(line string) models.LogEntry {
	entry := models.LogEntry{Message: line}
	first, _, found := strings.Cut(line, " ")
	if !found {
		return entry
	}
	if ts, err := time.Parse(time.RFC3339Nano, strings.Trim(first, "[]")); err == nil {
		s := ts.UTC().Format(time.RFC3339Nano)
		entry.Timestamp = &s
	}
	return entry
}
