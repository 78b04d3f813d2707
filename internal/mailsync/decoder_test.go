package mailsync

import (
	"errors"
	"testing"
	"time"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	decoder, err := NewDecoder(DecoderOptions{})
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	return decoder
}

func TestDecodeMessageEventNormalizesFields(t *testing.T) {
	decoder := newTestDecoder(t)
	frame, err := decoder.DecodeFrame([]byte(`{
		"type": "event",
		"event_type": "message.received",
		"message": {
			"message_id": "m1",
			"inbox_id": "inbox-1",
			"thread_id": "t1",
			"from": "Build Bot <Bot@Notify.AgentMail.to>",
			"to": "alice@example.com, Bob <bob@example.com>",
			"subject": "Deploy finished",
			"timestamp": "2025-03-01T10:00:00Z",
			"labels": "received, Unread, unread"
		}
	}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Kind != FrameEntity || frame.Entity == nil {
		t.Fatalf("expected entity frame, got %+v", frame)
	}
	entity := *frame.Entity
	if entity.Kind != KindMessage || entity.ID != "m1" || entity.Origin != OriginStream {
		t.Fatalf("unexpected entity identity: %+v", entity)
	}
	wantTS := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !entity.Timestamp.Equal(wantTS) || entity.Recency != wantTS.UnixNano() {
		t.Fatalf("expected timestamp %s, got %s (recency %d)", wantTS, entity.Timestamp, entity.Recency)
	}
	msg := entity.Message
	if msg.From.Name != "Build Bot" || msg.From.Email != "bot@notify.agentmail.to" {
		t.Fatalf("unexpected sender: %+v", msg.From)
	}
	if !msg.IsFromAutomatedSender {
		t.Fatalf("expected subdomain of agentmail.to to be automated")
	}
	if len(msg.To) != 2 || msg.To[1].Email != "bob@example.com" {
		t.Fatalf("unexpected recipients: %+v", msg.To)
	}
	if len(msg.Labels) != 2 || msg.Labels[0] != "received" || msg.Labels[1] != "Unread" {
		t.Fatalf("expected deduplicated labels, got %v", msg.Labels)
	}
	if msg.Folder != FolderInbox {
		t.Fatalf("expected inbox folder, got %s", msg.Folder)
	}
}

func TestDecodeMessageSentFolderAndEpochTimestamp(t *testing.T) {
	decoder := newTestDecoder(t)
	entity, err := decoder.DecodeMessage([]byte(`{
		"message_id": "m2",
		"from": ["alice@example.com"],
		"to": ["carol@example.com"],
		"timestamp": 1700000000000,
		"labels": ["SENT"]
	}`), OriginSnapshot)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if entity.Message.Folder != FolderSent {
		t.Fatalf("expected sent folder, got %s", entity.Message.Folder)
	}
	if entity.Message.IsFromAutomatedSender {
		t.Fatalf("expected example.com sender not to be automated")
	}
	if entity.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("expected millisecond epoch, got %s", entity.Timestamp)
	}
	if entity.Origin != OriginSnapshot {
		t.Fatalf("expected snapshot origin, got %s", entity.Origin)
	}
}

func TestDecodeMessageEpochSeconds(t *testing.T) {
	decoder := newTestDecoder(t)
	entity, err := decoder.DecodeMessage([]byte(`{"message_id":"m3","timestamp":10}`), OriginSnapshot)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if entity.Timestamp.Unix() != 10 {
		t.Fatalf("expected epoch seconds 10, got %d", entity.Timestamp.Unix())
	}
}

func TestDecodeTaskEvent(t *testing.T) {
	decoder := newTestDecoder(t)
	frame, err := decoder.DecodeFrame([]byte(`{
		"type": "event",
		"event_type": "task.updated",
		"task": {"task_id": "task-1", "type": "create_email", "status": "RUNNING", "revision": 4, "data": {"title": "Draft reply"}}
	}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	task := frame.Entity
	if task.Kind != KindTask || task.ID != "task-1" || task.Recency != 4 {
		t.Fatalf("unexpected task entity: %+v", task)
	}
	if task.Task.Status != TaskInProgress {
		t.Fatalf("expected in-progress status, got %s", task.Task.Status)
	}
	if task.Task.Title != "Draft reply" {
		t.Fatalf("expected title from data, got %q", task.Task.Title)
	}
}

func TestDecodeControlFrames(t *testing.T) {
	decoder := newTestDecoder(t)
	frame, err := decoder.DecodeFrame([]byte(`{"type":"subscribed","inbox_ids":["inbox-1"]}`))
	if err != nil {
		t.Fatalf("decode subscribed failed: %v", err)
	}
	if frame.Kind != FrameSubscribed || len(frame.InboxIDs) != 1 || frame.InboxIDs[0] != "inbox-1" {
		t.Fatalf("unexpected subscribed frame: %+v", frame)
	}
	frame, err = decoder.DecodeFrame([]byte(`{"type":"error","message":"bad token"}`))
	if err != nil {
		t.Fatalf("decode error frame failed: %v", err)
	}
	if frame.Kind != FrameError || frame.Message != "bad token" || frame.Entity != nil {
		t.Fatalf("unexpected error frame: %+v", frame)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	decoder := newTestDecoder(t)
	cases := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"event_type":"message.received"}`,
		"unknown type":      `{"type":"hello"}`,
		"unknown event":     `{"type":"event","event_type":"inbox.deleted"}`,
		"missing payload":   `{"type":"event","event_type":"message.received"}`,
		"missing timestamp": `{"type":"event","event_type":"message.received","message":{"message_id":"m1"}}`,
		"bad timestamp":     `{"type":"event","event_type":"message.received","message":{"message_id":"m1","timestamp":"yesterday"}}`,
		"empty id":          `{"type":"event","event_type":"message.received","message":{"message_id":"","timestamp":1}}`,
		"task no revision":  `{"type":"event","event_type":"task.created","task":{"task_id":"t1"}}`,
	}
	for name, raw := range cases {
		frame, err := decoder.DecodeFrame([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected decode failure, got %+v", name, frame)
		}
		if !errors.Is(err, ErrDecodeFailure) {
			t.Fatalf("%s: expected ErrDecodeFailure, got %v", name, err)
		}
		if frame.Entity != nil {
			t.Fatalf("%s: expected no partial entity", name)
		}
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	decoder := newTestDecoder(t)
	raw := []byte(`{"type":"event","event_type":"message.updated","message":{"message_id":"m1","timestamp":12,"subject":"A-updated","labels":["a","b"]}}`)
	first, err := decoder.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	second, err := decoder.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if first.Entity.Recency != second.Entity.Recency || first.Entity.Message.Subject != second.Entity.Message.Subject {
		t.Fatalf("expected identical output for identical input")
	}
}

func TestDecoderCustomOptions(t *testing.T) {
	decoder, err := NewDecoder(DecoderOptions{AutomatedDomains: []string{"@Robots.example"}, SentLabels: []string{"outbox"}})
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	entity, err := decoder.DecodeMessage([]byte(`{"message_id":"m1","from":"noreply@robots.example","timestamp":1,"labels":"outbox"}`), OriginStream)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !entity.Message.IsFromAutomatedSender || entity.Message.Folder != FolderSent {
		t.Fatalf("expected custom options to apply, got %+v", entity.Message)
	}
}

func TestNormalizeTaskStatus(t *testing.T) {
	cases := map[string]TaskStatus{
		"":            TaskPending,
		"queued":      TaskPending,
		"in_progress": TaskInProgress,
		"Self Healed": TaskSelfHealed,
		"success":     TaskCompleted,
		"ERROR":       TaskFailed,
		"paused":      TaskStatus("paused"),
	}
	for input, want := range cases {
		if got := normalizeTaskStatus(input); got != want {
			t.Fatalf("normalize %q: expected %s, got %s", input, want, got)
		}
	}
}

func TestDecodeRejectsTimestampsOutsideRecencyRange(t *testing.T) {
	decoder := newTestDecoder(t)
	cases := map[string]string{
		"far future rfc3339": `"2300-01-01T00:00:00Z"`,
		"far past rfc3339":   `"1600-01-01T00:00:00Z"`,
		"epoch microseconds": `1700000000000000`,
		"huge epoch":         `1e300`,
		"nan string":         `"NaN"`,
		"infinite string":    `"-Inf"`,
	}
	for name, ts := range cases {
		_, err := decoder.DecodeMessage([]byte(`{"message_id":"m1","timestamp":`+ts+`}`), OriginStream)
		if !errors.Is(err, ErrDecodeFailure) {
			t.Fatalf("%s: expected ErrDecodeFailure, got %v", name, err)
		}
	}

	edge, err := decoder.DecodeMessage([]byte(`{"message_id":"m1","timestamp":"2262-04-11T00:00:00Z"}`), OriginStream)
	if err != nil {
		t.Fatalf("expected timestamp inside range to decode, got %v", err)
	}
	if edge.Recency <= 0 || edge.Recency != edge.Timestamp.UnixNano() {
		t.Fatalf("expected positive recency matching timestamp, got %d", edge.Recency)
	}
}
