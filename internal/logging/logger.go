package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

const entryRetention = 7 * 24 * time.Hour

// LogEntry is a structured log record.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditEntry records a mutating API action for later review.
type AuditEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Result     string                 `json:"result"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IP         string                 `json:"ip,omitempty"`
}

// Logger writes structured JSON entries to a file, optionally mirrors them to
// the console, and keeps a time-indexed copy in Redis for ranged queries.
// The Redis client may be nil; the sink is then skipped.
type Logger struct {
	mu        sync.Mutex
	client    *redis.Client
	logFile   *os.File
	auditFile *os.File
	console   bool
}

// NewLogger creates a logger writing under logDir.
func NewLogger(client *redis.Client, logDir string, console bool) (*Logger, error) {
	if logDir == "" {
		homeDir, _ := os.UserHomeDir()
		logDir = filepath.Join(homeDir, ".flowforge", "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "flowforge.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	auditFile, err := os.OpenFile(filepath.Join(logDir, "audit.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	return &Logger{
		client:    client,
		logFile:   logFile,
		auditFile: auditFile,
		console:   console,
	}, nil
}

// Close closes the underlying log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.auditFile != nil {
		l.auditFile.Close()
	}
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// Log writes an entry to every configured sink.
func (l *Logger) Log(entry LogEntry) {
	entry.Timestamp = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	if l.logFile != nil {
		l.logFile.Write(data)
		l.logFile.Write([]byte("\n"))
	}
	l.mu.Unlock()

	if l.console {
		fmt.Printf("[%s] [%s] [%s] %s\n",
			entry.Timestamp.Format("15:04:05"),
			entry.Level,
			entry.Component,
			entry.Message,
		)
	}

	if l.client != nil {
		ctx := context.Background()
		l.client.ZAdd(ctx, "logs:entries", &redis.Z{
			Score:  float64(entry.Timestamp.Unix()),
			Member: string(data),
		})
		cutoff := time.Now().Add(-entryRetention).Unix()
		l.client.ZRemRangeByScore(ctx, "logs:entries", "0", fmt.Sprintf("%d", cutoff))
	}
}

func (l *Logger) Debug(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelDebug, Component: component, Message: message, Details: details})
}

func (l *Logger) Info(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelInfo, Component: component, Message: message, Details: details})
}

func (l *Logger) Warn(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelWarn, Component: component, Message: message, Details: details})
}

func (l *Logger) Error(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelError, Component: component, Message: message, Details: details})
}

// Audit writes an audit entry to the audit file and the Redis sink.
func (l *Logger) Audit(entry AuditEntry) {
	entry.Timestamp = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	if l.auditFile != nil {
		l.auditFile.Write(data)
		l.auditFile.Write([]byte("\n"))
	}
	l.mu.Unlock()

	if l.client != nil {
		ctx := context.Background()
		l.client.ZAdd(ctx, "logs:audit", &redis.Z{
			Score:  float64(entry.Timestamp.Unix()),
			Member: string(data),
		})
	}
}

// LogFilter narrows GetLogs results.
type LogFilter struct {
	Duration  time.Duration
	Level     LogLevel
	Component string
	Limit     int
}

// GetLogs retrieves entries from the Redis sink within the filter window.
func (l *Logger) GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	if l.client == nil {
		return nil, nil
	}

	endTime := time.Now()
	startTime := endTime.Add(-filter.Duration)

	results, err := l.client.ZRangeByScore(ctx, "logs:entries", &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", startTime.Unix()),
		Max: fmt.Sprintf("%d", endTime.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	logs := make([]LogEntry, 0, len(results))
	for _, result := range results {
		var entry LogEntry
		if err := json.Unmarshal([]byte(result), &entry); err != nil {
			continue
		}
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		if filter.Component != "" && entry.Component != filter.Component {
			continue
		}
		logs = append(logs, entry)
	}

	if filter.Limit > 0 && len(logs) > filter.Limit {
		logs = logs[len(logs)-filter.Limit:]
	}
	return logs, nil
}

// Global logger instance used by package-level helpers. Nil until
// SetGlobalLogger; helpers are then no-ops, which keeps tests quiet.
var globalLogger *Logger

// SetGlobalLogger installs the process-wide logger.
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

func Debug(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Debug(component, message, details)
	}
}

func Info(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Info(component, message, details)
	}
}

func Warn(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Warn(component, message, details)
	}
}

func Error(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Error(component, message, details)
	}
}

// AuditLog records an audit entry using the global logger.
func AuditLog(entry AuditEntry) {
	if globalLogger != nil {
		globalLogger.Audit(entry)
	}
}
