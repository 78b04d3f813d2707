package mailsync

import (
	"encoding/json"
	"sort"
	"strings"
)

// Title is the display heading of a log entry: details.step, else
// details.task_type, with underscores as spaces and the first letter upper
// cased.
func (e LogEntry) Title() string {
	for _, field := range []string{"step", "task_type"} {
		if v, ok := e.Details[field].(string); ok && strings.TrimSpace(v) != "" {
			return humanize(v)
		}
	}
	return "Task event"
}

func humanize(raw string) string {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "_", " "))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type LogFilter struct {
	// Query matches case-insensitively anywhere in the serialized entry.
	Query string
	// Workflow matches as a case-insensitive substring of the entry workflow.
	Workflow string
}

// FilterLogs flattens per-task logs and keeps the entries matching filter,
// ordered by timestamp then task id.
func FilterLogs(logs map[string][]LogEntry, filter LogFilter) []LogEntry {
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	workflow := strings.ToLower(strings.TrimSpace(filter.Workflow))

	out := make([]LogEntry, 0)
	for taskID, entries := range logs {
		for _, entry := range entries {
			if entry.TaskID == "" {
				entry.TaskID = taskID
			}
			if workflow != "" && !strings.Contains(strings.ToLower(entry.Workflow), workflow) {
				continue
			}
			if query != "" {
				encoded, err := json.Marshal(entry)
				if err != nil || !strings.Contains(strings.ToLower(string(encoded)), query) {
					continue
				}
			}
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
