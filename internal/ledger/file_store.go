package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"maskbatch/internal/fileutil"
)

const (
	fileHeader = "# maskbatch processed log v1: subject\tstatus\trecorded_at\tattempts\trun_id\treason"
	fieldCount = 6
)

// FileStore keeps the processed log as one tab-separated line per entry.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path. The file is created on first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Close() error { return nil }

func (f *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read processed log: %w", err)
	}
	entries, err := DecodeEntries(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return entries, nil
}

// Append rewrites the log with entries added through a single atomic rename,
// so a crash leaves either the old or the new log.
func (f *FileStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	existing, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		buf.WriteString(fileHeader + "\n")
	case err != nil:
		return fmt.Errorf("read processed log: %w", err)
	default:
		buf.Write(existing)
		if len(existing) > 0 && existing[len(existing)-1] != '\n' {
			return fmt.Errorf("%w: %s: last line is truncated", ErrCorrupt, f.path)
		}
	}
	if err := EncodeEntries(&buf, entries); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(f.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write processed log: %w", err)
	}
	return nil
}

// EncodeEntries writes entries in the processed log line format.
func EncodeEntries(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		line := strings.Join([]string{
			e.Subject,
			string(e.Status),
			e.RecordedAt.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(e.Attempts),
			sanitizeField(e.RunID),
			sanitizeField(e.Reason),
		}, "\t")
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEntries parses processed log lines. Blank lines and '#' comments are
// skipped; any other malformed line yields ErrCorrupt.
func DecodeEntries(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var entries []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != fieldCount {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}
	entry := Entry{
		Subject: fields[0],
		Status:  Outcome(fields[1]),
		RunID:   fields[4],
		Reason:  fields[5],
	}
	if entry.Subject == "" {
		return Entry{}, errors.New("empty subject")
	}
	if !entry.Status.Valid() {
		return Entry{}, fmt.Errorf("unknown status %q", fields[1])
	}
	recorded, err := time.Parse(time.RFC3339Nano, fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp: %v", err)
	}
	entry.RecordedAt = recorded
	attempts, err := strconv.Atoi(fields[3])
	if err != nil || attempts < 0 {
		return Entry{}, fmt.Errorf("bad attempts %q", fields[3])
	}
	entry.Attempts = attempts
	return entry, nil
}

func sanitizeField(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, strings.TrimSpace(value))
}
