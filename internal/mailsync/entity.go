package mailsync

import (
	"strings"
	"time"
)

type EntityKind string

const (
	KindMessage EntityKind = "message"
	KindTask    EntityKind = "task"
)

type Origin string

const (
	OriginSnapshot Origin = "snapshot"
	OriginStream   Origin = "stream"
)

type Folder string

const (
	FolderInbox Folder = "inbox"
	FolderSent  Folder = "sent"
)

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	if a.Email == "" {
		return a.Name
	}
	return a.Name + " <" + a.Email + ">"
}

type Message struct {
	InboxID               string    `json:"inboxId,omitempty"`
	ThreadID              string    `json:"threadId,omitempty"`
	From                  Address   `json:"from"`
	To                    []Address `json:"to"`
	Subject               string    `json:"subject"`
	Preview               string    `json:"preview,omitempty"`
	Labels                []string  `json:"labels"`
	Folder                Folder    `json:"folder"`
	IsFromAutomatedSender bool      `json:"isFromAutomatedSender"`
}

func (m *Message) HasLabel(label string) bool {
	if m == nil {
		return false
	}
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskSelfHealed TaskStatus = "self-healed"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type Task struct {
	Type   string         `json:"type"`
	Status TaskStatus     `json:"status"`
	Title  string         `json:"title,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Entity is one synchronized record. Recency is totally ordered per id and is
// the only input to merge decisions besides the id itself.
type Entity struct {
	Kind      EntityKind `json:"kind"`
	ID        string     `json:"id"`
	Recency   int64      `json:"recency"`
	Timestamp time.Time  `json:"timestamp"`
	Origin    Origin     `json:"origin"`
	Message   *Message   `json:"message,omitempty"`
	Task      *Task      `json:"task,omitempty"`
}

type EntityKey struct {
	Kind EntityKind
	ID   string
}

func (e Entity) Key() EntityKey {
	return EntityKey{Kind: e.Kind, ID: e.ID}
}

// Clone returns a deep copy so readers never share payload slices with the
// store.
func (e Entity) Clone() Entity {
	out := e
	if e.Message != nil {
		m := *e.Message
		m.To = append([]Address(nil), e.Message.To...)
		m.Labels = append([]string(nil), e.Message.Labels...)
		out.Message = &m
	}
	if e.Task != nil {
		t := *e.Task
		if e.Task.Data != nil {
			t.Data = make(map[string]any, len(e.Task.Data))
			for k, v := range e.Task.Data {
				t.Data[k] = v
			}
		}
		out.Task = &t
	}
	return out
}
