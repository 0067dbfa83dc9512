// Package logging provides categorized file-based logging for chatrelay.
// Logs are written to <data_dir>/logs/ with one file per category.
// When debug_mode is off, every logger is a silent no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // process startup and shutdown
	CategorySession  Category = "session"  // browser session state machine
	CategoryRouter   Category = "router"   // event routing
	CategoryRules    Category = "rules"    // rule evaluation
	CategoryDispatch Category = "dispatch" // outbound sends, nonce pool
	CategoryStore    Category = "store"    // document store
	CategoryRegistry Category = "registry" // tenant registry updates
)

// Options mirrors config.LoggingConfig to avoid a circular import.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Entry is a structured JSON log line.
type Entry struct {
	Timestamp int64                  `json:"ts"` // unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Tenant    string                 `json:"tenant,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	optsMu    sync.RWMutex
	opts      Options
	logLevel  int
)

// Initialize sets up the logging directory from the given options.
// Call once at startup with the data directory.
func Initialize(dataDir string, o Options) error {
	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	if !o.DebugMode {
		return nil // silent no-op in production mode
	}
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized, dir=%s level=%s", logsDir, o.Level)
	return nil
}

// IsCategoryEnabled reports whether a category writes anywhere.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) emit(level, msg string) {
	optsMu.RLock()
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()

	if jsonFormat {
		entry := Entry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s", level, msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.emit("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.emit("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.emit("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error. Always written when the logger has a sink.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.emit("ERROR", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. No-ops when the category is disabled.

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func Session(format string, args ...interface{})  { Get(CategorySession).Info(format, args...) }
func Router(format string, args ...interface{})   { Get(CategoryRouter).Info(format, args...) }
func Rules(format string, args ...interface{})    { Get(CategoryRules).Info(format, args...) }
func Dispatch(format string, args ...interface{}) { Get(CategoryDispatch).Info(format, args...) }
func Store(format string, args ...interface{})    { Get(CategoryStore).Info(format, args...) }
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

func SessionDebug(format string, args ...interface{})  { Get(CategorySession).Debug(format, args...) }
func RouterDebug(format string, args ...interface{})   { Get(CategoryRouter).Debug(format, args...) }
func RulesDebug(format string, args ...interface{})    { Get(CategoryRules).Debug(format, args...) }
func DispatchDebug(format string, args ...interface{}) { Get(CategoryDispatch).Debug(format, args...) }
func StoreDebug(format string, args ...interface{})    { Get(CategoryStore).Debug(format, args...) }

func SessionError(format string, args ...interface{})  { Get(CategorySession).Error(format, args...) }
func RouterError(format string, args ...interface{})   { Get(CategoryRouter).Error(format, args...) }
func DispatchError(format string, args ...interface{}) { Get(CategoryDispatch).Error(format, args...) }
func StoreError(format string, args ...interface{})    { Get(CategoryStore).Error(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}
