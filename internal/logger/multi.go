package logger

import "github.com/harrison/agentloop/internal/models"

// Logger is the set of events agentloop loggers handle. It matches the loop
// controller's logger interface plus error and trace levels.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogAttemptStart(task models.Task, attempt int)
	LogVerdict(task models.Task, attempt models.Attempt, verdict models.Verdict)
	LogRecord(record models.TaskRecord)
	LogSummary(result models.ExecutionResult)
}

// MultiLogger forwards every event to each of its loggers in order.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger. Nil loggers are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) LogTrace(message string) {
	for _, l := range m.loggers {
		l.LogTrace(message)
	}
}

func (m *MultiLogger) LogDebug(message string) {
	for _, l := range m.loggers {
		l.LogDebug(message)
	}
}

func (m *MultiLogger) LogInfo(message string) {
	for _, l := range m.loggers {
		l.LogInfo(message)
	}
}

func (m *MultiLogger) LogWarn(message string) {
	for _, l := range m.loggers {
		l.LogWarn(message)
	}
}

func (m *MultiLogger) LogError(message string) {
	for _, l := range m.loggers {
		l.LogError(message)
	}
}

func (m *MultiLogger) LogAttemptStart(task models.Task, attempt int) {
	for _, l := range m.loggers {
		l.LogAttemptStart(task, attempt)
	}
}

func (m *MultiLogger) LogVerdict(task models.Task, attempt models.Attempt, verdict models.Verdict) {
	for _, l := range m.loggers {
		l.LogVerdict(task, attempt, verdict)
	}
}

func (m *MultiLogger) LogRecord(record models.TaskRecord) {
	for _, l := range m.loggers {
		l.LogRecord(record)
	}
}

func (m *MultiLogger) LogSummary(result models.ExecutionResult) {
	for _, l := range m.loggers {
		l.LogSummary(result)
	}
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(string)                                        {}
func (n *NoOpLogger) LogDebug(string)                                        {}
func (n *NoOpLogger) LogInfo(string)                                         {}
func (n *NoOpLogger) LogWarn(string)                                         {}
func (n *NoOpLogger) LogError(string)                                        {}
func (n *NoOpLogger) LogAttemptStart(models.Task, int)                       {}
func (n *NoOpLogger) LogVerdict(models.Task, models.Attempt, models.Verdict) {}
func (n *NoOpLogger) LogRecord(models.TaskRecord)                            {}
func (n *NoOpLogger) LogSummary(models.ExecutionResult)                      {}
