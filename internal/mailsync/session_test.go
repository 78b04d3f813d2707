package mailsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSession(t *testing.T, transport *Transport, client MailClient, channels []string) *Session {
	t.Helper()
	decoder := newTestDecoder(t)
	loader, err := NewSnapshotLoader(client, decoder, SnapshotLoaderOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new loader failed: %v", err)
	}
	session, err := NewSession(SessionOptions{
		Transport: transport,
		Loader:    loader,
		Decoder:   decoder,
		Channels:  channels,
	})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestSessionReconcilesSnapshotAndStreamOverWebsocket(t *testing.T) {
	subscribed := make(chan []string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("auth_token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var sub subscriptionFrame
		if err := wsjson.Read(ctx, conn, &sub); err != nil {
			return
		}
		subscribed <- sub.InboxIDs
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "subscribed", "inbox_ids": sub.InboxIDs})
		for _, frame := range []string{
			`{"type":"event","event_type":"message.received","message":{"message_id":"m1","inbox_id":"inbox-1","timestamp":10,"subject":"A"}}`,
			`{"type":"event","event_type":`,
			`{"type":"event","event_type":"message.updated","message":{"message_id":"m1","inbox_id":"inbox-1","timestamp":12,"subject":"A-updated"}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	transport, err := NewTransport(TransportOptions{URL: server.URL, Token: "tok", BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new transport failed: %v", err)
	}
	client := &fakeMailClient{list: rawMessages(`{"message_id":"m1","inbox_id":"inbox-1","timestamp":10,"subject":"A"}`)}
	session := newTestSession(t, transport, client, []string{"inbox-1"})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	select {
	case ids := <-subscribed:
		if len(ids) != 1 || ids[0] != "inbox-1" {
			t.Fatalf("expected subscribe for inbox-1, got %v", ids)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for subscribe frame")
	}

	store := session.Store()
	eventually(t, "updated m1", func() bool {
		e, ok := store.Get(KindMessage, "m1")
		return ok && e.Message.Subject == "A-updated" && store.Phase() == PhaseConsistent
	})
	eventually(t, "decode failure count", func() bool { return session.Status().DecodeFailures == 1 })

	if store.Len() != 1 {
		t.Fatalf("expected one entity, got %d", store.Len())
	}
	m1, _ := store.Get(KindMessage, "m1")
	if m1.Timestamp.Unix() != 12 {
		t.Fatalf("expected ts 12, got %d", m1.Timestamp.Unix())
	}
	status := session.Status()
	if status.Connection != StateOpen || status.Messages != 1 || status.SnapshotError != "" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSessionSnapshotFailureKeepsStreamState(t *testing.T) {
	dialer := newFakeDialer()
	transport, states := newTestTransport(t, dialer)
	client := &fakeMailClient{listErr: &HTTPError{StatusCode: http.StatusBadGateway, Message: "down"}}
	session := newTestSession(t, transport, client, nil)

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	conn := nextConn(t, dialer)
	waitForState(t, states, isOpen)
	conn.reads <- []byte(`{"type":"event","event_type":"message.received","message":{"message_id":"m9","timestamp":5}}`)

	eventually(t, "stream entity", func() bool { return session.Store().Len() == 1 })
	eventually(t, "snapshot error", func() bool { return session.Status().SnapshotError != "" })
	if !strings.Contains(session.Status().SnapshotError, "snapshot failure") {
		t.Fatalf("expected snapshot failure warning, got %q", session.Status().SnapshotError)
	}
	if session.Store().Phase() != PhasePartial {
		t.Fatalf("expected partial phase after failed snapshot, got %s", session.Store().Phase())
	}
	if session.Status().Connection != StateOpen {
		t.Fatalf("expected stream to stay open")
	}
}

func TestSessionReloadKeepsEventsObservedDuringFetch(t *testing.T) {
	dialer := newFakeDialer()
	transport, states := newTestTransport(t, dialer)
	client := &fakeMailClient{
		list:      rawMessages(`{"message_id":"m1","timestamp":10,"subject":"A"}`),
		holdAfter: 1,
		release:   make(chan struct{}),
	}
	session := newTestSession(t, transport, client, nil)
	resets := make(chan struct{}, 1)
	session.Store().OnChange(func(c Change) {
		if c.Type == ChangeReset {
			resets <- struct{}{}
		}
	})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	conn := nextConn(t, dialer)
	waitForState(t, states, isOpen)
	eventually(t, "initial snapshot", func() bool { return session.Store().Phase() == PhaseConsistent })

	if err := session.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	eventually(t, "reload fetch", func() bool { return client.calls.Load() == 2 })
	conn.reads <- []byte(`{"type":"event","event_type":"message.received","message":{"message_id":"m2","timestamp":30}}`)
	eventually(t, "stream entity during reload", func() bool { return session.Store().Len() == 2 })
	close(client.release)

	select {
	case <-resets:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if _, ok := session.Store().Get(KindMessage, "m2"); !ok {
		t.Fatalf("expected m2 observed during reload to survive")
	}
	if _, ok := session.Store().Get(KindMessage, "m1"); !ok {
		t.Fatalf("expected m1 from fresh snapshot")
	}
}

func TestSessionCloseDiscardsInFlightSnapshot(t *testing.T) {
	dialer := newFakeDialer()
	transport, _ := newTestTransport(t, dialer)
	client := &fakeMailClient{
		list:    rawMessages(`{"message_id":"m1","timestamp":10}`),
		release: make(chan struct{}),
	}
	session := newTestSession(t, transport, client, nil)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "snapshot fetch", func() bool { return client.calls.Load() == 1 })

	if err := session.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	close(client.release)
	if session.Store().Len() != 0 || session.Store().Phase() != PhaseUninitialized {
		t.Fatalf("expected in-flight snapshot to be discarded")
	}
	if session.Status().SnapshotError != "" {
		t.Fatalf("expected cancelled fetch not to be reported, got %q", session.Status().SnapshotError)
	}
	if err := session.Reload(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on restart, got %v", err)
	}
}
