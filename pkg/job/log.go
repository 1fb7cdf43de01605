package job

import "time"

// LogRole is the pipeline participant that emitted a log entry.
type LogRole string

const (
	LogRoleSystem    LogRole = "SYSTEM"
	LogRoleArchitect LogRole = "ARCHITECT"
	LogRoleCoder     LogRole = "CODER"
	LogRoleCoach     LogRole = "COACH"
	LogRoleExecutor  LogRole = "EXECUTOR"
)

// LogLevel is the severity of a streamed entry.
type LogLevel string

const (
	LogInfo      LogLevel = "info"
	LogWarn      LogLevel = "warn"
	LogError     LogLevel = "error"
	LogSuccess   LogLevel = "success"
	LogHeartbeat LogLevel = "heartbeat"
)

// LogEntry is one progress event streamed to job subscribers.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	Role      LogRole   `json:"role"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Seq       int64     `json:"seq"`
}

// NewLogEntry stamps an entry with the current time.
func NewLogEntry(jobID string, role LogRole, level LogLevel, msg string) LogEntry {
	return LogEntry{
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Role:      role,
		Level:     level,
		Message:   msg,
	}
}

// LogSink receives entries in emission order.
type LogSink func(LogEntry)
