package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalHandler is a custom slog.Handler for systemd journal.
type JournalHandler struct {
	attrs  []slog.Attr
	prefix string
}

// Handle handles a log record.
func (h *JournalHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]string, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		fields[journalField(a.Key)] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[journalField(h.prefix+a.Key)] = fmt.Sprintf("%v", a.Value.Any())
		return true
	})

	return journal.Send(record.Message, mapPriority(record.Level), fields)
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &JournalHandler{prefix: h.prefix}
	n.attrs = append(n.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		n.attrs = append(n.attrs, a)
	}
	return n
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{attrs: h.attrs, prefix: h.prefix + name + "_"}
}

// journalField converts an attribute key to a valid journal field name:
// uppercase ASCII letters, digits and underscores, not starting with an underscore.
func journalField(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), "_")
}

func mapPriority(level slog.Level) journal.Priority {
	if level <= slog.LevelDebug {
		return journal.PriDebug
	}
	if level <= slog.LevelInfo {
		return journal.PriInfo
	}
	if level <= slog.LevelWarn {
		return journal.PriWarning
	}
	if level <= slog.LevelError {
		return journal.PriErr
	}
	return journal.PriCrit
}
