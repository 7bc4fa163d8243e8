package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// Debug level for detailed troubleshooting
	Debug LogLevel = iota
	// Info level for general operational entries
	Info
	// Warn level for non-critical issues
	Warn
	// Error level for errors that need attention
	Error
)

var levelNames = map[LogLevel]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// DirMode is used when creating the log directory.
const DirMode os.FileMode = 0755

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

// Logger is a leveled logger writing to stdout and, optionally, a rotated file.
type Logger struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	level       LogLevel
	mu          sync.Mutex
	file        io.Closer
}

var (
	defaultLogger *Logger
	fallback      *Logger
	mu            sync.Mutex
)

// Config holds logger configuration
type Config struct {
	// LogLevel sets the minimum level to log
	LogLevel LogLevel
	// LogFile is the path to the log file. If empty, logs go to stdout only
	LogFile string
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int
	// RetentionDays is how long rotated files are kept
	RetentionDays int
	// Stdout overrides the console writer (tests)
	Stdout io.Writer
}

// Initialize sets up the default logger. Calling it again replaces the
// previous default and closes its file.
func Initialize(config Config) error {
	l, err := NewLogger(config)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := defaultLogger
	defaultLogger = l
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	console := config.Stdout
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{console}

	var file io.Closer
	if config.LogFile != "" {
		config.LogFile = filepath.Clean(config.LogFile)
		if err := os.MkdirAll(filepath.Dir(config.LogFile), DirMode); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxAge:     config.RetentionDays,
			MaxBackups: 3,
			Compress:   true,
		}
		file = rotating
		writers = append(writers, rotating)
	}

	out := io.MultiWriter(writers...)
	return &Logger{
		debugLogger: log.New(out, "DEBUG: ", logFlags),
		infoLogger:  log.New(out, "INFO: ", logFlags),
		warnLogger:  log.New(out, "WARN: ", logFlags),
		errorLogger: log.New(out, "ERROR: ", logFlags),
		level:       config.LogLevel,
		file:        file,
	}, nil
}

// Close closes the rotated log file if one is open
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level <= level
}

func (l *Logger) output(level LogLevel, target *log.Logger, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// depth 3: output -> Debug/Info/... -> caller
	_ = target.Output(3, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.output(Debug, l.debugLogger, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.output(Info, l.infoLogger, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.output(Warn, l.warnLogger, format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.output(Error, l.errorLogger, format, v...)
}

// GetLogger returns the default logger. Before Initialize it returns a
// stdout logger at Info level.
func GetLogger() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger != nil {
		return defaultLogger
	}
	if fallback == nil {
		fallback, _ = NewLogger(Config{LogLevel: Info})
	}
	return fallback
}

// ParseLogLevel converts a string level to LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level: %s", level)
	}
}
