package tether

// LogLevel describes the chosen log level.
type LogLevel int

const (
	// LogLevelNone means no logging.
	LogLevelNone LogLevel = iota
	// LogLevelTrace turns on trace-level logging.
	LogLevelTrace
	// LogLevelDebug turns on debug-level logging.
	LogLevelDebug
	// LogLevelInfo is logging that is suitable for production.
	LogLevelInfo
	// LogLevelWarn is logging for expected but unusual conditions.
	LogLevelWarn
	// LogLevelError level logging means only errors will be logged.
	LogLevelError
)

var levelToString = map[LogLevel]string{
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
	LogLevelNone:  "none",
}

// LogLevelToString transforms Level to its string representation.
func LogLevelToString(l LogLevel) string {
	if t, ok := levelToString[l]; ok {
		return t
	}
	return ""
}

// LogEntry represents a log entry.
type LogEntry struct {
	Level   LogLevel
	Message string
	Fields  map[string]any
}

func newLogEntry(level LogLevel, message string, fields ...map[string]any) LogEntry {
	var f map[string]any
	if len(fields) == 1 {
		f = fields[0]
	}
	return LogEntry{
		Level:   level,
		Message: message,
		Fields:  f,
	}
}

// NewLogEntry creates a new LogEntry.
func NewLogEntry(level LogLevel, message string, fields ...map[string]any) LogEntry {
	return newLogEntry(level, message, fields...)
}

// LogHandler handles log entries - i.e. writes into correct destination if necessary.
type LogHandler func(LogEntry)

func newLogger(level LogLevel, handler LogHandler) *logger {
	return &logger{
		level:   level,
		handler: handler,
	}
}

// logger can log entries of severity above the configured level.
type logger struct {
	level   LogLevel
	handler LogHandler
}

// log calls log handler with provided LogEntry.
func (l *logger) log(entry LogEntry) {
	if l == nil {
		return
	}
	if l.enabled(entry.Level) {
		l.handler(entry)
	}
}

// enabled says whether specified Level is enabled or not.
func (l *logger) enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	return level >= l.level && l.level != LogLevelNone
}
