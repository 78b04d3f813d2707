package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientListMessagesRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "relaymail_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"message_id":"m1","timestamp":10}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	client.baseDelay = time.Millisecond
	list, err := client.ListMessages(context.Background())
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(list.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(list.Messages))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHTTPClientListMessagesRequiresMessagesField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	if _, err := client.ListMessages(context.Background()); err == nil {
		t.Fatalf("expected error for missing messages field")
	}
}

func TestHTTPClientCreateTaskIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"queue unavailable"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	client.baseDelay = time.Millisecond
	_, err := client.CreateTask(context.Background(), TaskRequest{Type: "create_email", Data: map[string]any{"title": "x"}})
	if !errors.Is(err, ErrCreationFailure) {
		t.Fatalf("expected creation failure, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError || httpErr.Message != "queue unavailable" {
		t.Fatalf("expected wrapped http error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
}

func TestHTTPClientCreateTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/task" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		if req.Type != "create_email" || req.Data["title"] != "Weekly report" {
			t.Errorf("unexpected request body %+v", req)
		}
		_, _ = w.Write([]byte(`{"task_id":"task-9"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	created, err := client.CreateTask(context.Background(), TaskRequest{Type: "create_email", Data: map[string]any{"title": "Weekly report"}})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if created.TaskID != "task-9" {
		t.Fatalf("expected task-9, got %q", created.TaskID)
	}

	if _, err := client.CreateTask(context.Background(), TaskRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty type, got %v", err)
	}
}

func TestHTTPClientListTaskLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/task-1/logs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"timestamp":"2025-01-01T00:00:00Z","message":"started","details":{"step":"fetch_inbox"}}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	logs, err := client.ListTaskLogs(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list task logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].TaskID != "task-1" {
		t.Fatalf("expected task id to be filled in, got %+v", logs)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for invalid header, got %s", got)
	}
}

type fakeMailClient struct {
	list    MessageList
	listErr error
	logs    map[string][]LogEntry
	created []TaskRequest
	calls   atomic.Int32

	// calls after the first holdAfter wait for release
	holdAfter int32
	release   chan struct{}
}

func (c *fakeMailClient) ListMessages(ctx context.Context) (MessageList, error) {
	if c.calls.Add(1) > c.holdAfter && c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return MessageList{}, ctx.Err()
		}
	}
	if c.listErr != nil {
		return MessageList{}, c.listErr
	}
	return c.list, nil
}

func (c *fakeMailClient) ListTaskLogs(_ context.Context, taskID string) ([]LogEntry, error) {
	logs, ok := c.logs[taskID]
	if !ok {
		return nil, &HTTPError{StatusCode: http.StatusNotFound, Message: "unknown task"}
	}
	return logs, nil
}

func (c *fakeMailClient) CreateTask(_ context.Context, req TaskRequest) (TaskCreated, error) {
	c.created = append(c.created, req)
	return TaskCreated{TaskID: "task-1"}, nil
}

func rawMessages(items ...string) MessageList {
	list := MessageList{Messages: []json.RawMessage{}}
	for _, item := range items {
		list.Messages = append(list.Messages, json.RawMessage(item))
	}
	return list
}

func TestLoadSnapshotDropsMalformedMessages(t *testing.T) {
	client := &fakeMailClient{list: rawMessages(
		`{"message_id":"m1","timestamp":10,"subject":"A"}`,
		`{"message_id":"m2"}`,
		`{"message_id":"m3","timestamp":"2025-02-01T00:00:00Z"}`,
	)}
	loader, err := NewSnapshotLoader(client, newTestDecoder(t), SnapshotLoaderOptions{})
	if err != nil {
		t.Fatalf("new loader failed: %v", err)
	}
	entities, err := loader.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot failed: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 decoded entities, got %d", len(entities))
	}
	for _, e := range entities {
		if e.Origin != OriginSnapshot {
			t.Fatalf("expected snapshot origin, got %s", e.Origin)
		}
	}
}

func TestLoadSnapshotFailureReturnsNoEntities(t *testing.T) {
	client := &fakeMailClient{listErr: &HTTPError{StatusCode: 502, Message: "bad gateway"}}
	loader, _ := NewSnapshotLoader(client, newTestDecoder(t), SnapshotLoaderOptions{})
	entities, err := loader.LoadSnapshot(context.Background())
	if !errors.Is(err, ErrSnapshotFailure) {
		t.Fatalf("expected snapshot failure, got %v", err)
	}
	if entities != nil {
		t.Fatalf("expected no entities on failure, got %d", len(entities))
	}

	if _, err := loader.LoadTaskLogs(context.Background(), "missing"); !errors.Is(err, ErrSnapshotFailure) {
		t.Fatalf("expected snapshot failure for logs, got %v", err)
	}
}
