package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler renders one line per record:
//
//	2026-10-17T08:00:00Z INFO  batch: [batch 2/100307] staged files=12
//
// Component, batch, and subject are lifted out of the attributes into the
// line header; everything else trails the message as key=value pairs.
type consoleHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	source bool

	group     string
	component string
	batch     string
	subject   string
	tail      []byte
}

func newConsoleHandler(w io.Writer, level slog.Leveler, source bool) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: w, level: level, source: source}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	line := *h
	line.tail = append([]byte(nil), h.tail...)
	r.Attrs(func(a slog.Attr) bool {
		line.absorb(h.group, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 96+len(line.tail))
	buf = ts.UTC().AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, fmt.Sprintf("%-5s", levelLabel(r.Level))...)
	buf = append(buf, ' ')
	if line.component != "" {
		buf = append(buf, line.component...)
		buf = append(buf, ": "...)
	}
	if tag := line.tag(); tag != "" {
		buf = append(buf, '[')
		buf = append(buf, tag...)
		buf = append(buf, "] "...)
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "(no message)"
	}
	buf = append(buf, msg...)
	if h.source && r.PC != 0 {
		if src := r.Source(); src != nil && src.File != "" {
			buf = append(buf, " ("...)
			buf = append(buf, filepath.Base(src.File)...)
			buf = append(buf, ':')
			buf = strconv.AppendInt(buf, int64(src.Line), 10)
			buf = append(buf, ')')
		}
	}
	buf = append(buf, line.tail...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.tail = append([]byte(nil), h.tail...)
	for _, a := range attrs {
		next.absorb(h.group, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

// tag identifies the batch and subject a line belongs to.
func (h *consoleHandler) tag() string {
	switch {
	case h.batch != "" && h.subject != "":
		return "batch " + h.batch + "/" + h.subject
	case h.batch != "":
		return "batch " + h.batch
	default:
		return h.subject
	}
}

// absorb routes one attribute into the header fields or the rendered tail.
// Only the first component, batch, or subject seen is kept.
func (h *consoleHandler) absorb(group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := group
		if a.Key != "" {
			inner = joinKey(group, a.Key)
		}
		for _, member := range a.Value.Group() {
			h.absorb(inner, member)
		}
		return
	}
	if group == "" {
		switch a.Key {
		case FieldComponent:
			if h.component == "" {
				h.component = plainValue(a.Value)
			}
			return
		case FieldBatch:
			if h.batch == "" {
				h.batch = plainValue(a.Value)
			}
			return
		case FieldSubject:
			if h.subject == "" {
				h.subject = plainValue(a.Value)
			}
			return
		}
	}
	key := joinKey(group, a.Key)
	if key == "" {
		return
	}
	h.tail = append(h.tail, ' ')
	h.tail = append(h.tail, key...)
	h.tail = append(h.tail, '=')
	h.tail = append(h.tail, quoteIfNeeded(plainValue(a.Value))...)
}

func joinKey(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	default:
		return group + "." + key
	}
}

func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
