package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openmifare/mcrw-agent/internal/syncutil"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Category groups log entries by subsystem for filtering.
type Category string

const (
	CatSystem    Category = "system"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatCard      Category = "card"
	CatReader    Category = "reader"
)

// Entry is one structured log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Logger keeps the most recent entries in a ring buffer for the logs API
// and mirrors everything at or above its level to stderr.
type Logger struct {
	mu       syncutil.RWMutex
	entries  []Entry
	start    int
	count    int
	capacity int
	minLevel Level
	total    uint64
	byLevel  map[Level]uint64
}

var defaultLogger = NewLogger(1000, LevelInfo)

// Init replaces the default logger. Call once at startup before any
// logging happens.
func Init(capacity int, minLevel Level) {
	defaultLogger = NewLogger(capacity, minLevel)
}

// Get returns the default logger.
func Get() *Logger {
	return defaultLogger
}

// NewLogger creates a logger holding up to capacity entries.
func NewLogger(capacity int, minLevel Level) *Logger {
	if capacity < 1 {
		capacity = 1
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		minLevel: minLevel,
		byLevel:  make(map[Level]uint64),
	}
}

// Log records one entry. Entries below the logger's level are dropped.
func (l *Logger) Log(level Level, category Category, message string, fields map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: category,
		Message:  message,
		Fields:   fields,
	}

	l.mu.Lock()
	idx := (l.start + l.count) % l.capacity
	l.entries[idx] = entry
	if l.count < l.capacity {
		l.count++
	} else {
		l.start = (l.start + 1) % l.capacity
	}
	l.total++
	l.byLevel[level]++
	l.mu.Unlock()

	fmt.Fprintf(os.Stderr, "%s [%s] %s: %s%s\n",
		entry.Time.Format(time.RFC3339), level, category, message, formatFields(fields))
}

// GetEntries returns up to limit of the most recent entries in
// chronological order, optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		entry := l.entries[(l.start+i)%l.capacity]
		if minLevel != nil && entry.Level < *minLevel {
			continue
		}
		if category != nil && entry.Category != *category {
			continue
		}
		matched = append(matched, entry)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Stats reports entry counts since startup.
func (l *Logger) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	perLevel := make(map[string]uint64, len(l.byLevel))
	for level, n := range l.byLevel {
		perLevel[level.String()] = n
	}
	return map[string]any{
		"total":    l.total,
		"buffered": l.count,
		"capacity": l.capacity,
		"byLevel":  perLevel,
	}
}

// Clear drops all buffered entries. Counters keep running.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = 0
	l.count = 0
}

// Debug logs a debug entry on the default logger.
func Debug(category Category, message string, fields map[string]any) {
	defaultLogger.Log(LevelDebug, category, message, fields)
}

// Info logs an info entry on the default logger.
func Info(category Category, message string, fields map[string]any) {
	defaultLogger.Log(LevelInfo, category, message, fields)
}

// Warn logs a warning entry on the default logger.
func Warn(category Category, message string, fields map[string]any) {
	defaultLogger.Log(LevelWarn, category, message, fields)
}

// Error logs an error entry on the default logger.
func Error(category Category, message string, fields map[string]any) {
	defaultLogger.Log(LevelError, category, message, fields)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return " " + string(encoded)
}
