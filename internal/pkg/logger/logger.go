// Package logger provides leveled JSON-line logging with PII redaction
// for recipient email addresses.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger emits one JSON object per line. Safe for concurrent use.
type Logger struct {
	component string
	level     Level
	redact    bool

	mu  *sync.Mutex
	out io.Writer
}

var std = &Logger{level: INFO, redact: true, mu: &sync.Mutex{}, out: os.Stderr}

// New returns a child of the default logger tagged with a component name.
// The component appears as the "component" field on every entry.
func New(component string) *Logger {
	return &Logger{
		component: component,
		level:     std.level,
		redact:    std.redact,
		mu:        std.mu,
		out:       std.out,
	}
}

// SetLevel sets the minimum level for the default logger. Children created
// after the call inherit it.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles email redaction on the default logger.
func SetRedactPII(on bool) { std.redact = on }

// SetOutput redirects the default logger, used by tests.
func SetOutput(w io.Writer) { std.out = w }

// Debug emits a DEBUG entry on the default logger.
func Debug(msg string, fields ...interface{}) { std.log(DEBUG, msg, fields) }

// Info emits an INFO entry on the default logger.
func Info(msg string, fields ...interface{}) { std.log(INFO, msg, fields) }

// Warn emits a WARN entry on the default logger.
func Warn(msg string, fields ...interface{}) { std.log(WARN, msg, fields) }

// Error emits an ERROR entry on the default logger.
func Error(msg string, fields ...interface{}) { std.log(ERROR, msg, fields) }

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	// Fields arrive as alternating key/value pairs; a dangling key keeps an
	// empty value rather than being dropped.
	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := ""
		if i+1 < len(fields) {
			val = fmt.Sprintf("%v", fields[i+1])
		}
		if l.redact {
			val = redactField(key, val)
		}
		entry[key] = val
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"logger: marshal failed: %v"}`, err))
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// redactField masks recipient addresses. Fields whose key mentions email or
// recipient are masked outright; other values have embedded addresses masked.
func redactField(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "recipient") {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks an address for safe logging:
// "john.doe@example.com" becomes "jo***@example.com". Local parts of two or
// fewer characters are fully masked. Non-addresses become "***@***".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
