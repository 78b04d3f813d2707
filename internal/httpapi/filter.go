package httpapi

import (
	"strings"

	"github.com/agentworkforce/relaymail/internal/mailsync"
)

// MessageFilter narrows the message list the way the mail view does: by
// folder, by inbox, and by a free-text search over sender, subject, preview
// and labels. Empty fields match everything.
type MessageFilter struct {
	Folder  string
	Query   string
	InboxID string
}

func FilterMessages(messages []mailsync.Entity, filter MessageFilter) []mailsync.Entity {
	folder := strings.ToLower(strings.TrimSpace(filter.Folder))
	if folder == "all" {
		folder = ""
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	inbox := strings.TrimSpace(filter.InboxID)

	out := make([]mailsync.Entity, 0, len(messages))
	for _, entity := range messages {
		msg := entity.Message
		if msg == nil {
			continue
		}
		if folder != "" && string(msg.Folder) != folder {
			continue
		}
		if inbox != "" && msg.InboxID != inbox {
			continue
		}
		if query != "" && !messageMatches(msg, query) {
			continue
		}
		out = append(out, entity)
	}
	return out
}

func messageMatches(msg *mailsync.Message, query string) bool {
	fields := []string{msg.Subject, msg.Preview, msg.From.Name, msg.From.Email}
	for _, to := range msg.To {
		fields = append(fields, to.Name, to.Email)
	}
	fields = append(fields, msg.Labels...)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
