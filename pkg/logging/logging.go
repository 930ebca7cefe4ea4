// Package logging configures structured JSON logs for ledgersync binaries.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls Setup. File is optional; when set, logs go to both stdout
// and a size-rotated file.
type Options struct {
	Service    string
	Env        string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs a JSON slog handler as the default logger and bridges the
// standard library logger onto it so log.Printf call sites stay structured.
// The returned closer flushes the rotated file, if any.
func Setup(o Options) (*slog.Logger, io.Closer) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if file := strings.TrimSpace(o.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positive(o.MaxSizeMB, 100),
			MaxBackups: positive(o.MaxBackups, 5),
			MaxAge:     positive(o.MaxAgeDays, 14),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}
	return setup(out, o), closer
}

func setup(out io.Writer, o Options) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(o.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(o.Service))}
	if env := strings.TrimSpace(o.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)
	base := slog.New(withAttrs)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return base
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ShortAddress keeps the first and last four hex digits of an address so log
// lines can be correlated without carrying full identities.
func ShortAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
