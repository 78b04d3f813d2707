package mailsync

import (
	"fmt"
	"strings"
	"sync"
)

// FrameSender is the part of *Transport the subscription set needs.
type FrameSender interface {
	Send(msg any) error
	SendOnce(key string, msg any) error
	Forget(key string)
	State() ConnState
	AddResync(fn func() []Outbound) func()
}

type subscriptionFrame struct {
	Type     string   `json:"type"`
	InboxIDs []string `json:"inbox_ids"`
}

// Subscriptions is the desired set of inbox subscriptions. It survives
// reconnects: every open replays one subscribe frame per key.
type Subscriptions struct {
	sender FrameSender
	logger Logger
	cancel func()

	mu    sync.Mutex
	order []string
	set   map[string]struct{}
}

func NewSubscriptions(sender FrameSender, logger Logger) *Subscriptions {
	s := &Subscriptions{
		sender: sender,
		logger: logger,
		set:    map[string]struct{}{},
	}
	s.cancel = sender.AddResync(s.replay)
	return s
}

func subscribeKey(inboxID string) string {
	return "subscribe:" + inboxID
}

// Subscribe records inboxID and sends its subscribe frame now or on the next
// open. Repeated calls do not produce duplicate frames.
func (s *Subscriptions) Subscribe(inboxID string) error {
	inboxID = strings.TrimSpace(inboxID)
	if inboxID == "" {
		return fmt.Errorf("%w: inbox id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(inboxID)
}

func (s *Subscriptions) subscribeLocked(inboxID string) error {
	if _, ok := s.set[inboxID]; !ok {
		s.set[inboxID] = struct{}{}
		s.order = append(s.order, inboxID)
	}
	return s.sender.SendOnce(subscribeKey(inboxID), subscriptionFrame{Type: "subscribe", InboxIDs: []string{inboxID}})
}

// Unsubscribe removes inboxID. Unknown ids are ignored.
func (s *Subscriptions) Unsubscribe(inboxID string) error {
	inboxID = strings.TrimSpace(inboxID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribeLocked(inboxID)
}

func (s *Subscriptions) unsubscribeLocked(inboxID string) error {
	if _, ok := s.set[inboxID]; !ok {
		return nil
	}
	delete(s.set, inboxID)
	for i, id := range s.order {
		if id == inboxID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.sender.Forget(subscribeKey(inboxID))
	if s.sender.State() != StateOpen {
		return nil
	}
	return s.sender.Send(subscriptionFrame{Type: "unsubscribe", InboxIDs: []string{inboxID}})
}

// Set reconciles the desired set to exactly inboxIDs, keeping the order given.
func (s *Subscriptions) Set(inboxIDs []string) error {
	want := make([]string, 0, len(inboxIDs))
	wantSet := map[string]struct{}{}
	for _, id := range inboxIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := wantSet[id]; dup {
			continue
		}
		wantSet[id] = struct{}{}
		want = append(want, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range append([]string(nil), s.order...) {
		if _, keep := wantSet[id]; !keep {
			if err := s.unsubscribeLocked(id); err != nil {
				return err
			}
		}
	}
	added := 0
	for _, id := range want {
		if _, have := s.set[id]; have {
			continue
		}
		if err := s.subscribeLocked(id); err != nil {
			return err
		}
		added++
	}
	if added > 0 {
		logf(s.logger, "subscriptions: now tracking %d inboxes (%d added)", len(s.order), added)
	}
	return nil
}

// Channels returns the desired inbox ids in subscription order.
func (s *Subscriptions) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Close stops replaying subscriptions on reconnect.
func (s *Subscriptions) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscriptions) replay() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outbound, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, Outbound{
			Key:     subscribeKey(id),
			Message: subscriptionFrame{Type: "subscribe", InboxIDs: []string{id}},
		})
	}
	if len(out) > 0 {
		logf(s.logger, "subscriptions: replaying %d subscriptions", len(out))
	}
	return out
}
