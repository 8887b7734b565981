package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// String returns the upper-case level name
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts debug, info, warn or error into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

type leveledLogger struct {
	mu          sync.RWMutex
	level       Level
	out         *log.Logger
	useUnixTime bool
}

var std = &leveledLogger{
	level: INFO,
	out:   log.New(os.Stdout, "", log.LstdFlags),
}

// SetOutput redirects all log output, mostly useful in tests
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out.SetOutput(w)
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// SetLevelFromString sets log level from string (debug, info, warn, error).
// Unknown names leave the current level untouched.
func SetLevelFromString(levelStr string) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		Warn("[LOGGER] %v, keeping %s", err, GetLevel())
		return
	}
	SetLevel(level)
	std.out.Printf("[LOGGER] Log level set to %s", level)
}

// SetTimestampFormat sets timestamp format ("time" or "unix")
func SetTimestampFormat(format string) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if strings.ToLower(format) == "unix" {
		std.useUnixTime = true
		std.out.SetFlags(0)
		std.out.Printf("[%d] [LOGGER] Timestamp format set to Unix", time.Now().Unix())
		return
	}
	std.useUnixTime = false
	std.out.SetFlags(log.LstdFlags)
	std.out.Printf("[LOGGER] Timestamp format set to Time")
}

// GetLevel returns current log level
func GetLevel() Level {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.level
}

// GetLevelString returns current log level as string
func GetLevelString() string {
	return GetLevel().String()
}

// Enabled reports whether messages at level would be written
func Enabled(level Level) bool {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return level >= std.level
}

func write(prefix, format string, v ...interface{}) {
	std.mu.RLock()
	useUnix := std.useUnixTime
	std.mu.RUnlock()

	msg := fmt.Sprintf(format, v...)
	if useUnix {
		std.out.Print(fmt.Sprintf("[%d] %s%s", time.Now().Unix(), prefix, msg))
		return
	}
	std.out.Print(prefix + msg)
}

// Debug logs at DEBUG level
func Debug(format string, v ...interface{}) {
	if Enabled(DEBUG) {
		write("[DEBUG] ", format, v...)
	}
}

// Info logs at INFO level
func Info(format string, v ...interface{}) {
	if Enabled(INFO) {
		write("[INFO] ", format, v...)
	}
}

// Warn logs at WARN level
func Warn(format string, v ...interface{}) {
	if Enabled(WARN) {
		write("[WARN] ", format, v...)
	}
}

// Error logs at ERROR level
func Error(format string, v ...interface{}) {
	if Enabled(ERROR) {
		write("[ERROR] ", format, v...)
	}
}

// Fatal logs unconditionally and exits
func Fatal(format string, v ...interface{}) {
	write("[FATAL] ", format, v...)
	os.Exit(1)
}
