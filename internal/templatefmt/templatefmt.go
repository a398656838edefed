package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtTime":     FormatTime,
		"json":        MarshalJSON,
		"stateLabel":  StateLabel,
		"upper":       strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

// FormatTime renders timestamp as UTC RFC3339 (seconds precision).
// Params: template value expected as time.Time or *time.Time.
// Returns: formatted time or "-" for zero/unknown values.
func FormatTime(value any) string {
	var ts time.Time
	switch typed := value.(type) {
	case time.Time:
		ts = typed
	case *time.Time:
		if typed == nil {
			return "-"
		}
		ts = *typed
	default:
		return "-"
	}
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

// StateLabel renders health state as upper-case label with severity marker.
// Params: state value (domain.State or any fmt.Stringer-compatible string kind).
// Returns: label such as "[!!] ERROR".
func StateLabel(value any) string {
	state := strings.TrimSpace(fmt.Sprint(value))
	switch strings.ToLower(state) {
	case "ok":
		return "[ok] OK"
	case "warning":
		return "[!] WARNING"
	case "error":
		return "[!!] ERROR"
	case "":
		return "UNKNOWN"
	default:
		return strings.ToUpper(state)
	}
}
