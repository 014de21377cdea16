package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	envLogLevel  = "FIMGATE_LOG_LEVEL"
	envLogFormat = "FIMGATE_LOG_FORMAT"
)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stderr, os.Getenv(envLogFormat), os.Getenv(envLogLevel))
)

// Configure replaces the process logger. format is "json" (default) or
// "console"; level is any zerolog level name.
func Configure(w io.Writer, format, level string) {
	if w == nil {
		w = os.Stderr
	}
	l := newLogger(w, format, level)
	mu.Lock()
	base = l
	mu.Unlock()
}

// Logger returns the process logger for callers that want zerolog directly.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Debug logs a message with key/value fields at debug level.
func Debug(component, msg string, kv ...interface{}) {
	l := Logger()
	write(l.Debug(), component, msg, kv)
}

// Info logs a message with key/value fields using a consistent component tag.
func Info(component, msg string, kv ...interface{}) {
	l := Logger()
	write(l.Info(), component, msg, kv)
}

// Warn logs a recoverable problem.
func Warn(component, msg string, kv ...interface{}) {
	l := Logger()
	write(l.Warn(), component, msg, kv)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...interface{}) {
	l := Logger()
	write(l.Error(), component, msg, kv)
}

func write(ev *zerolog.Event, component, msg string, kv []interface{}) {
	if ev == nil {
		return
	}
	ev = ev.Str("component", component)
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
