// Package logx provides component-scoped logging for the G3 services.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
	jobID     string
	logger    *log.Logger
}

// Entry is one captured log line, kept for the diagnostics endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	JobID     string `json:"job_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// RingBuffer keeps the most recent entries in memory.
type RingBuffer struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

var (
	debugMu         sync.RWMutex
	debugAll        bool
	debugComponents map[string]bool

	outputMu sync.RWMutex
	output   io.Writer = os.Stderr

	recent = &RingBuffer{maxSize: 1000}
)

func init() { //nolint:gochecknoinits // env driven debug switches
	loadDebugFromEnv()
}

// loadDebugFromEnv reads G3_DEBUG and G3_DEBUG_COMPONENTS.
func loadDebugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	v := os.Getenv("G3_DEBUG")
	debugAll = v == "1" || strings.EqualFold(v, "true")
	debugComponents = nil
	if list := os.Getenv("G3_DEBUG_COMPONENTS"); list != "" {
		debugComponents = make(map[string]bool)
		for _, c := range strings.Split(list, ",") {
			debugComponents[strings.TrimSpace(c)] = true
		}
	}
}

// NewLogger returns a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(writerProxy{}, "", 0),
	}
}

// SetOutput redirects every logger. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

type writerProxy struct{}

func (writerProxy) Write(p []byte) (int, error) {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output.Write(p) //nolint:wrapcheck
}

// SetDebug enables or disables debug output. An empty component list means all components.
func SetDebug(enabled bool, components ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugAll = enabled
	debugComponents = nil
	if len(components) > 0 {
		debugComponents = make(map[string]bool, len(components))
		for _, c := range components {
			debugComponents[c] = true
		}
	}
}

// IsDebugEnabled reports whether debug lines are emitted for component.
func IsDebugEnabled(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugAll {
		return false
	}
	if debugComponents == nil {
		return true
	}
	return debugComponents[component]
}

// WithJob returns a copy of l that tags each line with the job id.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{component: l.component, jobID: jobID, logger: l.logger}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, format string, args ...any) {
	ts := time.Now().UTC().Format(timestampFormat)
	msg := fmt.Sprintf(format, args...)
	tag := l.component
	if l.jobID != "" {
		tag = l.component + " job=" + l.jobID
	}
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s: %s", ts, tag, level, msg))

	recent.Add(Entry{
		Timestamp: ts,
		Component: l.component,
		JobID:     l.jobID,
		Level:     string(level),
		Message:   msg,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Log writes at an explicit level.
func (l *Logger) Log(level Level, format string, args ...any) {
	if level == LevelDebug {
		l.Debug(format, args...)
		return
	}
	l.log(level, format, args...)
}

// Add appends an entry, evicting the oldest when full.
func (b *RingBuffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns entries newer than since, optionally filtered by component.
func (b *RingBuffer) Entries(component string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if component != "" && !strings.EqualFold(e.Component, component) {
			continue
		}
		if !since.IsZero() {
			t, err := time.Parse(timestampFormat, e.Timestamp)
			if err != nil || t.Before(since) {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}

// Recent returns captured entries from every logger.
func Recent(component string, since time.Time) []Entry {
	return recent.Entries(component, since)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	return logx.Errorf("open store: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. A nil err yields nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
