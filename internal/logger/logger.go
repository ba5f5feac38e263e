// Package logger writes category-tagged log lines: coloured on the terminal,
// JSON in a dated file per binary.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l LogLevel) String() string {
	if l < DEBUG || l > FATAL {
		return "INFO"
	}
	return levelNames[l]
}

// ParseLevel maps LOG_LEVEL values onto a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) && LogLevel(i) != FATAL {
			return LogLevel(i)
		}
	}
	return INFO
}

// palette colours the level and the category of a terminal line.
var palette = map[LogLevel][2]*color.Color{
	DEBUG: {color.New(color.FgCyan), color.New(color.FgCyan, color.Bold)},
	INFO:  {color.New(color.FgGreen), color.New(color.FgGreen, color.Bold)},
	WARN:  {color.New(color.FgYellow), color.New(color.FgYellow, color.Bold)},
	ERROR: {color.New(color.FgRed), color.New(color.FgRed, color.Bold)},
	FATAL: {color.New(color.FgRed, color.Bold), color.New(color.FgRed, color.Bold)},
}

var (
	timeColor   = color.New(color.FgBlue)
	callerColor = color.New(color.FgMagenta)
)

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

type Logger struct {
	mu       sync.Mutex
	terminal io.Writer
	file     io.WriteCloser
	colored  bool
	minLevel LogLevel
}

// NewLogger writes coloured lines to stdout and JSON lines to
// logs/<name>-<date>.log.
func NewLogger(name string) *Logger {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatal("Failed to create logs directory:", err)
	}

	path := filepath.Join("logs", fmt.Sprintf("%s-%s.log", name, time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to create log file:", err)
	}

	l := &Logger{terminal: os.Stdout, file: file, colored: !color.NoColor, minLevel: DEBUG}
	l.Info("LOGGER", fmt.Sprintf("Logging to %s", path))
	return l
}

// New writes plain terminal lines to w and nothing to disk.
func New(w io.Writer, level LogLevel) *Logger {
	return &Logger{terminal: w, minLevel: level}
}

// NewDiscardLogger drops everything. Used by tests.
func NewDiscardLogger() *Logger {
	return &Logger{terminal: io.Discard, minLevel: FATAL + 1}
}

// SetLevel drops entries below level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

func (l *Logger) log(level LogLevel, category, message string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel && level != FATAL {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:     level.String(),
		Category:  strings.ToUpper(category),
		Message:   message,
	}
	// log <- Info/Warn/... <- LogScan/... callers; skip to the first frame
	// outside this file.
	for skip := 2; skip < 5; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if filepath.Base(file) != "logger.go" {
			entry.File, entry.Line = filepath.Base(file), line
			break
		}
	}

	fmt.Fprint(l.terminal, l.terminalLine(level, entry))
	if l.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

func (l *Logger) terminalLine(level LogLevel, entry LogEntry) string {
	clock := entry.Timestamp[11:19]
	if !l.colored {
		line := fmt.Sprintf("%s %-5s [%-10s] %s", clock, entry.Level, entry.Category, entry.Message)
		if entry.File != "" {
			line += fmt.Sprintf(" (%s:%d)", entry.File, entry.Line)
		}
		return line + "\n"
	}

	colors, ok := palette[level]
	if !ok {
		colors = palette[INFO]
	}
	line := fmt.Sprintf("%s %s %s %s",
		timeColor.Sprint(clock),
		colors[0].Sprintf("%-5s", entry.Level),
		colors[1].Sprintf("[%-10s]", entry.Category),
		entry.Message)
	if entry.File != "" {
		line += callerColor.Sprintf(" (%s:%d)", entry.File, entry.Line)
	}
	return line + "\n"
}

func (l *Logger) Debug(category, message string) { l.log(DEBUG, category, message) }
func (l *Logger) Info(category, message string)  { l.log(INFO, category, message) }
func (l *Logger) Warn(category, message string)  { l.log(WARN, category, message) }
func (l *Logger) Error(category, message string) { l.log(ERROR, category, message) }

func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	os.Exit(1)
}

func (l *Logger) LogScan(scanID, ticketID, message string) {
	l.Info("SCAN", fmt.Sprintf("[%s] ticket=%s - %s", scanID, ticketID, message))
}

func (l *Logger) LogSync(deviceID, message string) {
	l.Info("SYNC", fmt.Sprintf("[%s] %s", deviceID, message))
}

func (l *Logger) LogDiscrepancy(eventID, message string) {
	l.Warn("OCCUPANCY", fmt.Sprintf("[%s] %s", eventID, message))
}

func (l *Logger) LogFraud(scanID, message string) {
	l.Warn("FRAUD", fmt.Sprintf("[%s] %s", scanID, message))
}

func (l *Logger) LogAPI(method, path, status, duration string) {
	l.Info("API", fmt.Sprintf("%s %s - %s (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.Debug("KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.Warn("SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
