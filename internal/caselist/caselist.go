package caselist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Provider yields subject identifiers in case list order. It is finite and can
// be repositioned, so an interrupted run can resume from a saved offset.
type Provider interface {
	Next() (string, bool)
	Seek(offset int)
	Offset() int
	Len() int
}

// Entry is one usable line of the case list.
type Entry struct {
	Line  int
	Value string
}

// List is an in-memory Provider over a sliced case list.
type List struct {
	entries    []Entry
	duplicates []Entry
	pos        int
}

// Load reads path and keeps the 1-based inclusive range [start, end] of its
// usable entries. An end of 0 means the end of the file. Comment lines
// starting with '#' and blank lines are not counted.
func Load(path string, start, end int) (*List, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open case list: %w", err)
	}
	defer file.Close()
	list, err := Parse(file, start, end)
	if err != nil {
		return nil, fmt.Errorf("case list %s: %w", path, err)
	}
	return list, nil
}

// Parse behaves like Load for an arbitrary reader. UTF-8 and UTF-16 byte order
// marks are honoured so lists exported from spreadsheets load unchanged.
func Parse(r io.Reader, start, end int) (*List, error) {
	if start < 1 {
		return nil, fmt.Errorf("start index %d must be >= 1", start)
	}
	if end != 0 && end < start {
		return nil, fmt.Errorf("end index %d is before start index %d", end, start)
	}

	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	scanner := bufio.NewScanner(decoded)

	var all []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		value := strings.TrimSpace(scanner.Text())
		if value == "" || strings.HasPrefix(value, "#") {
			continue
		}
		all = append(all, Entry{Line: lineNo, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read case list: %w", err)
	}

	if end == 0 || end > len(all) {
		end = len(all)
	}
	list := &List{}
	if start > len(all) {
		return list, nil
	}

	seen := make(map[string]struct{}, end-start+1)
	for _, entry := range all[start-1 : end] {
		if _, dup := seen[entry.Value]; dup {
			list.duplicates = append(list.duplicates, entry)
			continue
		}
		seen[entry.Value] = struct{}{}
		list.entries = append(list.entries, entry)
	}
	return list, nil
}

// FromValues builds a List directly from identifiers.
func FromValues(values ...string) *List {
	list := &List{entries: make([]Entry, 0, len(values))}
	for i, v := range values {
		list.entries = append(list.entries, Entry{Line: i + 1, Value: v})
	}
	return list
}

// Next returns the next identifier and advances the cursor.
func (l *List) Next() (string, bool) {
	if l.pos >= len(l.entries) {
		return "", false
	}
	value := l.entries[l.pos].Value
	l.pos++
	return value, true
}

// Seek moves the cursor to offset, clamped to the list bounds.
func (l *List) Seek(offset int) {
	switch {
	case offset < 0:
		l.pos = 0
	case offset > len(l.entries):
		l.pos = len(l.entries)
	default:
		l.pos = offset
	}
}

// Offset returns the number of identifiers already consumed.
func (l *List) Offset() int { return l.pos }

// Len returns the number of identifiers in the slice.
func (l *List) Len() int { return len(l.entries) }

// Entries returns a copy of the retained entries.
func (l *List) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Duplicates returns entries dropped because their identifier appeared earlier.
func (l *List) Duplicates() []Entry {
	out := make([]Entry, len(l.duplicates))
	copy(out, l.duplicates)
	return out
}

// ErrEmpty is returned by Require when the selected range holds no subjects.
var ErrEmpty = errors.New("case list range is empty")

// Require returns ErrEmpty when the list has no entries.
func (l *List) Require() error {
	if l.Len() == 0 {
		return ErrEmpty
	}
	return nil
}
