// Package log provides structured logging for pgmeta.
//
// Entries are grouped into categories, each with its own level and output:
//   - System: server lifecycle, configuration, listeners
//   - Protocol: wire-level session events
//   - Execution: query planning and execution
//   - Catalog: catalog table construction and semantic schema reloads
//   - Audit: authentication outcomes
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging severity level.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disable logging entirely
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel parses a level string.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR", "ERR":
		return LevelError, nil
	case "OFF", "NONE":
		return LevelOff, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Category identifies the logging category.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryProtocol  Category = "protocol"
	CategoryExecution Category = "execution"
	CategoryCatalog   Category = "catalog"
	CategoryAudit     Category = "audit"
)

var allCategories = []Category{
	CategorySystem,
	CategoryProtocol,
	CategoryExecution,
	CategoryCatalog,
	CategoryAudit,
}

// Format specifies the output format.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// Entry represents a single log entry.
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     Level                  `json:"level"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	ErrorStr  string                 `json:"error,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// Logger writes categorized entries.
type Logger struct {
	mu sync.RWMutex

	levels  map[Category]Level
	outputs map[Category]io.Writer
	writeMu sync.Mutex

	format        Format
	includeCaller bool

	entriesLogged int64
}

// Config holds logger configuration.
type Config struct {
	DefaultLevel   Level
	CategoryLevels map[Category]Level

	Output io.Writer // os.Stderr if nil
	Format Format

	IncludeCaller bool // Include file:line in log entries
}

// DefaultConfig returns the default configuration: info level, text, stderr.
func DefaultConfig() Config {
	return Config{
		DefaultLevel: LevelInfo,
		Output:       os.Stderr,
		Format:       FormatText,
	}
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	l := &Logger{
		levels:        make(map[Category]Level),
		outputs:       make(map[Category]io.Writer),
		format:        cfg.Format,
		includeCaller: cfg.IncludeCaller,
	}
	for _, cat := range allCategories {
		l.levels[cat] = cfg.DefaultLevel
		l.outputs[cat] = cfg.Output
	}
	for cat, level := range cfg.CategoryLevels {
		l.levels[cat] = level
	}
	return l
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	return New(Config{DefaultLevel: LevelOff, Output: io.Discard})
}

// SetLevel sets the log level for a category.
func (l *Logger) SetLevel(cat Category, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[cat] = level
}

// SetOutput sets the output writer for a category.
func (l *Logger) SetOutput(cat Category, w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs[cat] = w
}

// Enabled reports whether entries at level would be written for cat.
func (l *Logger) Enabled(cat Category, level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.levels[cat] && l.levels[cat] != LevelOff
}

// Logged returns the number of entries written.
func (l *Logger) Logged() int64 {
	return atomic.LoadInt64(&l.entriesLogged)
}

func (l *Logger) System() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategorySystem}
}

func (l *Logger) Protocol() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryProtocol}
}

func (l *Logger) Execution() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryExecution}
}

func (l *Logger) Catalog() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryCatalog}
}

func (l *Logger) Audit() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryAudit}
}

func (l *Logger) log(level Level, cat Category, msg string, err error, fields ...interface{}) {
	l.mu.RLock()
	catLevel := l.levels[cat]
	output := l.outputs[cat]
	format := l.format
	includeCaller := l.includeCaller
	l.mu.RUnlock()

	if catLevel == LevelOff || level < catLevel {
		return
	}

	entry := &Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
	}
	if err != nil {
		entry.ErrorStr = err.Error()
	}

	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields)/2)
		for i := 0; i < len(fields)-1; i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			if key == "session_id" {
				entry.SessionID = fmt.Sprint(fields[i+1])
				continue
			}
			entry.Fields[key] = fields[i+1]
		}
	}

	if includeCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			if idx := strings.LastIndex(file, "/"); idx >= 0 {
				file = file[idx+1:]
			}
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	var line []byte
	switch format {
	case FormatJSON:
		data, _ := json.Marshal(entry)
		line = append(data, '\n')
	default:
		line = []byte(formatText(entry))
	}

	l.writeMu.Lock()
	output.Write(line)
	l.writeMu.Unlock()
	atomic.AddInt64(&l.entriesLogged, 1)
}

func formatText(entry *Entry) string {
	var buf strings.Builder

	buf.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	buf.WriteString(" ")
	buf.WriteString(fmt.Sprintf("%-5s", entry.Level.String()))
	buf.WriteString(" [")
	buf.WriteString(string(entry.Category))
	buf.WriteString("] ")

	if entry.Caller != "" {
		buf.WriteString(entry.Caller)
		buf.WriteString(" ")
	}

	buf.WriteString(entry.Message)

	if entry.SessionID != "" {
		buf.WriteString(" session_id=")
		buf.WriteString(entry.SessionID)
	}

	if entry.ErrorStr != "" {
		buf.WriteString(" error=\"")
		buf.WriteString(entry.ErrorStr)
		buf.WriteString("\"")
	}

	// Sorted so text output is stable between runs.
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(" ")
		buf.WriteString(k)
		buf.WriteString("=")
		buf.WriteString(fmt.Sprintf("%v", entry.Fields[k]))
	}

	buf.WriteString("\n")
	return buf.String()
}

// CategoryLogger is a logger bound to a specific category.
type CategoryLogger struct {
	logger   *Logger
	category Category
	fields   []interface{}
}

func (cl *CategoryLogger) with(extra []interface{}) []interface{} {
	if len(cl.fields) == 0 {
		return extra
	}
	out := make([]interface{}, 0, len(cl.fields)+len(extra))
	out = append(out, cl.fields...)
	return append(out, extra...)
}

func (cl *CategoryLogger) Debug(msg string, fields ...interface{}) {
	cl.logger.log(LevelDebug, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Info(msg string, fields ...interface{}) {
	cl.logger.log(LevelInfo, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Warn(msg string, fields ...interface{}) {
	cl.logger.log(LevelWarn, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Error(msg string, err error, fields ...interface{}) {
	cl.logger.log(LevelError, cl.category, msg, err, cl.with(fields)...)
}

// WithFields returns a category logger that prepends fields to every entry.
func (cl *CategoryLogger) WithFields(fields ...interface{}) *CategoryLogger {
	return &CategoryLogger{
		logger:   cl.logger,
		category: cl.category,
		fields:   cl.with(fields),
	}
}

type contextKey int

const contextKeySessionID contextKey = 0

// WithSessionID adds a session ID to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKeySessionID, sessionID)
}

// SessionIDFromContext retrieves the session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeySessionID).(string); ok {
		return id
	}
	return ""
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the default logger instance.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
	})
	return defaultLogger
}

// SetDefault sets the default logger instance.
func SetDefault(l *Logger) {
	defaultLoggerOnce.Do(func() {})
	defaultLogger = l
}
