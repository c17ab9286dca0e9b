// Package logging configures the global structured logger and the
// best-effort rotating markdown sink the import pipeline writes
// alongside its other persistent state.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance every package in this module logs
// through.
var Logger zerolog.Logger

// Level is a logging verbosity selector.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init wires up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Console    io.Writer // defaults to os.Stdout
	DataDir    string    // plugin data directory; enables the rotating file sink if non-empty
}

// Init initializes the global logger. When cfg.DataDir is set, writes
// also go to a best-effort daily-rotating markdown file under it; a
// failure to open that file never prevents console logging.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	var writers []io.Writer
	if cfg.JSONOutput {
		writers = append(writers, console)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	}
	if cfg.DataDir != "" {
		writers = append(writers, newDailyFileWriter(cfg.DataDir))
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every entry with the
// given component name, the way each package identifies itself in logs.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// dailyFileWriter appends to log_<YYYY-MM-DD>.md under dataDir,
// re-opening the file whenever the date rolls over. Every operation is
// best-effort: a failure to open or write is swallowed, never
// propagated, because logging must never be the reason an import fails.
type dailyFileWriter struct {
	mu      sync.Mutex
	dataDir string
	day     string
	file    *os.File
}

func newDailyFileWriter(dataDir string) *dailyFileWriter {
	return &dailyFileWriter{dataDir: dataDir}
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if w.file == nil || w.day != today {
		w.rotate(today)
	}
	if w.file == nil {
		// Best-effort: report success so callers (and MultiLevelWriter)
		// don't treat a missing log sink as a logging failure.
		return len(p), nil
	}
	w.file.Write(p)
	return len(p), nil
}

func (w *dailyFileWriter) rotate(day string) {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return
	}
	path := filepath.Join(w.dataDir, "log_"+day+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	w.file = f
	w.day = day
}
