package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	colorReset = "\x1b[0m"
	colorTime  = "\x1b[90m"
	colorDebug = "\x1b[36m"
	colorInfo  = "\x1b[32m"
	colorWarn  = "\x1b[33m"
	colorError = "\x1b[31m"
)

// tagColors maps the leading "[Tag]" of a message to its console color.
var tagColors = map[string]string{
	"Boot":          "\x1b[96m",
	"Transport":     "\x1b[94m",
	"HTTP":          "\x1b[95m",
	"WebSocket":     "\x1b[92m",
	"Session":       "\x1b[97m",
	"VAD":           "\x1b[36m",
	"ASR":           "\x1b[35m",
	"MT":            "\x1b[34m",
	"TTS":           "\x1b[95m",
	"Pool":          "\x1b[93m",
	"Store":         "\x1b[33m",
	"Auth":          "\x1b[94m",
	"OBSERVABILITY": "\x1b[90m",
}

// consoleHandler renders records as a single colored line for terminals.
type consoleHandler struct {
	writer io.Writer
	level  slog.Level
	mu     sync.Mutex
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	b.WriteString(colorTime)
	b.WriteString("[")
	b.WriteString(r.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString("]")
	b.WriteString(colorReset)
	b.WriteString(" ")

	if color, ok := messageTagColor(r.Message); ok {
		b.WriteString(color)
		b.WriteString(r.Message)
		b.WriteString(colorReset)
		if r.Level >= slog.LevelWarn {
			fmt.Fprintf(&b, " %s(%s)%s", levelColor(r.Level), r.Level.String(), colorReset)
		}
	} else {
		fmt.Fprintf(&b, "%s[%s]%s %s", levelColor(r.Level), r.Level.String(), colorReset, r.Message)
	}

	if r.NumAttrs() > 0 {
		b.WriteString(" {")
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		})
		b.WriteString(" }")
	}
	b.WriteString("\n")

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *consoleHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

func (h *consoleHandler) WithGroup(string) slog.Handler {
	return h
}

func messageTagColor(msg string) (string, bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", false
	}
	end := strings.IndexByte(msg, ']')
	if end <= 1 {
		return "", false
	}
	color, ok := tagColors[msg[1:end]]
	return color, ok
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorError
	case level >= slog.LevelWarn:
		return colorWarn
	case level >= slog.LevelInfo:
		return colorInfo
	default:
		return colorDebug
	}
}
