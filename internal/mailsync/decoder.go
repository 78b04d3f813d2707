package mailsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type FrameKind string

const (
	FrameEntity     FrameKind = "entity"
	FrameSubscribed FrameKind = "subscribed"
	FrameError      FrameKind = "error"
	FramePong       FrameKind = "pong"
)

// Frame is a decoded inbound websocket frame. Entity is set only for
// FrameEntity.
type Frame struct {
	Kind      FrameKind
	Type      string
	EventType string
	Entity    *Entity
	InboxIDs  []string
	Message   string
}

type DecoderOptions struct {
	// AutomatedDomains are sender domains whose mail is flagged as automated.
	// Subdomains match too.
	AutomatedDomains []string
	// SentLabels mark a message as belonging to the sent folder.
	SentLabels []string
}

var (
	DefaultAutomatedDomains = []string{"agentmail.to"}
	DefaultSentLabels       = []string{"sent"}
)

// Decoder maps wire payloads to entities. It holds no mutable state, so the
// same input always produces the same output.
type Decoder struct {
	automatedDomains []string
	sentLabels       []string
	schemas          *schemas
}

type wireMessage struct {
	MessageID string          `json:"message_id"`
	InboxID   string          `json:"inbox_id"`
	ThreadID  string          `json:"thread_id"`
	From      json.RawMessage `json:"from"`
	To        json.RawMessage `json:"to"`
	Subject   string          `json:"subject"`
	Preview   string          `json:"preview"`
	Timestamp json.RawMessage `json:"timestamp"`
	Labels    json.RawMessage `json:"labels"`
}

type wireTask struct {
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Title     string          `json:"title"`
	Data      map[string]any  `json:"data"`
	Revision  *int64          `json:"revision"`
	UpdatedAt json.RawMessage `json:"updated_at"`
}

func NewDecoder(opts DecoderOptions) (*Decoder, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	domains := normalizeList(opts.AutomatedDomains, DefaultAutomatedDomains)
	for i, domain := range domains {
		domains[i] = strings.TrimPrefix(strings.ToLower(domain), "@")
	}
	return &Decoder{
		automatedDomains: domains,
		sentLabels:       normalizeList(opts.SentLabels, DefaultSentLabels),
		schemas:          compiled,
	}, nil
}

func normalizeList(values, fallback []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = append(out, fallback...)
	}
	return out
}

func (d *Decoder) DecodeFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, &DecodeError{Reason: "malformed json"}
	}
	typeField := gjson.GetBytes(raw, "type")
	if typeField.Type != gjson.String {
		return Frame{}, &DecodeError{Reason: "missing frame type"}
	}
	frameType := typeField.String()
	if err := validateJSON(d.schemas.frame, raw); err != nil {
		return Frame{}, &DecodeError{FrameType: frameType, Reason: "schema violation", Err: err}
	}

	switch frameType {
	case "event":
		return d.decodeEvent(raw)
	case "subscribed":
		frame := Frame{Kind: FrameSubscribed, Type: frameType}
		for _, id := range gjson.GetBytes(raw, "inbox_ids").Array() {
			frame.InboxIDs = append(frame.InboxIDs, id.String())
		}
		return frame, nil
	case "error":
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = gjson.GetBytes(raw, "error").String()
		}
		return Frame{Kind: FrameError, Type: frameType, Message: msg}, nil
	case "pong":
		return Frame{Kind: FramePong, Type: frameType}, nil
	default:
		return Frame{}, &DecodeError{FrameType: frameType, Reason: "unrecognized frame type"}
	}
}

func (d *Decoder) decodeEvent(raw []byte) (Frame, error) {
	eventType := gjson.GetBytes(raw, "event_type").String()
	frame := Frame{Kind: FrameEntity, Type: "event", EventType: eventType}
	switch eventType {
	case "message.received", "message.sent", "message.updated":
		payload := gjson.GetBytes(raw, "message")
		if !payload.IsObject() {
			return Frame{}, &DecodeError{FrameType: eventType, Reason: "missing message"}
		}
		entity, err := d.decodeMessage([]byte(payload.Raw), OriginStream)
		if err != nil {
			return Frame{}, err
		}
		frame.Entity = &entity
	case "task.created", "task.updated":
		payload := gjson.GetBytes(raw, "task")
		if !payload.IsObject() {
			return Frame{}, &DecodeError{FrameType: eventType, Reason: "missing task"}
		}
		entity, err := d.decodeTask([]byte(payload.Raw), OriginStream)
		if err != nil {
			return Frame{}, err
		}
		frame.Entity = &entity
	default:
		return Frame{}, &DecodeError{FrameType: eventType, Reason: "unrecognized event type"}
	}
	return frame, nil
}

// DecodeMessage maps one WireMessage, as found in a snapshot listing.
func (d *Decoder) DecodeMessage(raw []byte, origin Origin) (Entity, error) {
	if err := validateJSON(d.schemas.message, raw); err != nil {
		return Entity{}, &DecodeError{FrameType: "message", Reason: "schema violation", Err: err}
	}
	return d.decodeMessage(raw, origin)
}

func (d *Decoder) decodeMessage(raw []byte, origin Origin) (Entity, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Entity{}, &DecodeError{FrameType: "message", Reason: "invalid message", Err: err}
	}
	id := strings.TrimSpace(wire.MessageID)
	if id == "" {
		return Entity{}, &DecodeError{FrameType: "message", Reason: "empty message_id"}
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Entity{}, &DecodeError{FrameType: "message", Reason: "invalid timestamp", Err: err}
	}
	from := Address{}
	if addrs := parseAddresses(wire.From); len(addrs) > 0 {
		from = addrs[0]
	}
	labels := parseLabels(wire.Labels)
	msg := &Message{
		InboxID:               strings.TrimSpace(wire.InboxID),
		ThreadID:              strings.TrimSpace(wire.ThreadID),
		From:                  from,
		To:                    parseAddresses(wire.To),
		Subject:               wire.Subject,
		Preview:               wire.Preview,
		Labels:                labels,
		Folder:                FolderInbox,
		IsFromAutomatedSender: d.isAutomated(from.Email),
	}
	for _, marker := range d.sentLabels {
		if msg.HasLabel(marker) {
			msg.Folder = FolderSent
			break
		}
	}
	return Entity{
		Kind:      KindMessage,
		ID:        id,
		Recency:   ts.UnixNano(),
		Timestamp: ts,
		Origin:    origin,
		Message:   msg,
	}, nil
}

func (d *Decoder) decodeTask(raw []byte, origin Origin) (Entity, error) {
	var wire wireTask
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Entity{}, &DecodeError{FrameType: "task", Reason: "invalid task", Err: err}
	}
	id := strings.TrimSpace(wire.TaskID)
	if id == "" {
		return Entity{}, &DecodeError{FrameType: "task", Reason: "empty task_id"}
	}
	var ts time.Time
	if len(bytes.TrimSpace(wire.UpdatedAt)) > 0 {
		parsed, err := parseTimestamp(wire.UpdatedAt)
		if err != nil {
			return Entity{}, &DecodeError{FrameType: "task", Reason: "invalid updated_at", Err: err}
		}
		ts = parsed
	}
	var recency int64
	switch {
	case wire.Revision != nil:
		recency = *wire.Revision
	case !ts.IsZero():
		recency = ts.UnixNano()
	default:
		return Entity{}, &DecodeError{FrameType: "task", Reason: "missing revision"}
	}
	title := strings.TrimSpace(wire.Title)
	if title == "" {
		if v, ok := wire.Data["title"].(string); ok {
			title = strings.TrimSpace(v)
		}
	}
	return Entity{
		Kind:      KindTask,
		ID:        id,
		Recency:   recency,
		Timestamp: ts,
		Origin:    origin,
		Task: &Task{
			Type:   strings.TrimSpace(wire.Type),
			Status: normalizeTaskStatus(wire.Status),
			Title:  title,
			Data:   wire.Data,
		},
	}, nil
}

func (d *Decoder) isAutomated(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, suffix := range d.automatedDomains {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

func normalizeTaskStatus(raw string) TaskStatus {
	status := strings.ToLower(strings.TrimSpace(raw))
	status = strings.NewReplacer("_", "-", " ", "-").Replace(status)
	switch status {
	case "", "queued", "new":
		return TaskPending
	case "running", "in-progress", "started":
		return TaskInProgress
	case "self-healed", "healed":
		return TaskSelfHealed
	case "done", "success", "succeeded", "completed":
		return TaskCompleted
	case "error", "errored", "failed":
		return TaskFailed
	default:
		return TaskStatus(status)
	}
}

func parseAddresses(raw json.RawMessage) []Address {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var entries []string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil
		}
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if list, err := mail.ParseAddressList(s); err == nil {
			out := make([]Address, 0, len(list))
			for _, a := range list {
				out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
			}
			return out
		}
		entries = strings.Split(s, ",")
	}
	out := make([]Address, 0, len(entries))
	for _, entry := range entries {
		if addr, ok := parseAddress(entry); ok {
			out = append(out, addr)
		}
	}
	return out
}

func parseAddress(raw string) (Address, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, false
	}
	if a, err := mail.ParseAddress(raw); err == nil {
		return Address{Name: a.Name, Email: strings.ToLower(a.Address)}, true
	}
	if strings.Contains(raw, "@") {
		return Address{Email: strings.ToLower(strings.Trim(raw, "<>"))}, true
	}
	return Address{Name: raw}, true
}

func parseLabels(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	var values []string
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return []string{}
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &values); err != nil {
			return []string{}
		}
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return []string{}
		}
		values = strings.Split(s, ",")
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		folded := strings.ToLower(v)
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, v)
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Recency is derived from UnixNano, so only instants that fit in an int64 of
// nanoseconds (about 1678 to 2262) are accepted.
var (
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

const maxEpochMillis = math.MaxInt64 / 1e6

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	ts, err := parseTimestampValue(raw)
	if err != nil {
		return time.Time{}, err
	}
	if ts.Before(minTimestamp) || ts.After(maxTimestamp) {
		return time.Time{}, fmt.Errorf("timestamp %s is out of range", ts.Format(time.RFC3339))
	}
	return ts, nil
}

func parseTimestampValue(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(n)
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	return epochToTime(n)
}

// epochToTime treats values of 1e12 and above as milliseconds.
func epochToTime(n float64) (time.Time, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("timestamp %v is not finite", n)
	}
	if math.Abs(n) >= 1e12 {
		if math.Abs(n) > maxEpochMillis {
			return time.Time{}, fmt.Errorf("timestamp %v is out of range", n)
		}
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
