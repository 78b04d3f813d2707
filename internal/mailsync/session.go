package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type SessionOptions struct {
	Transport *Transport
	Loader    *SnapshotLoader
	Decoder   *Decoder
	// Store defaults to a fresh NewStore().
	Store *Store
	// Channels are subscribed when the session starts.
	Channels  []string
	Logger    Logger
	InboxSize int
}

// Status is a point-in-time summary of a session. SnapshotError is the last
// failed fetch; it clears on the next successful one.
type Status struct {
	SessionID      string    `json:"sessionId"`
	Connection     ConnState `json:"connection"`
	Phase          Phase     `json:"phase"`
	Seq            uint64    `json:"seq"`
	Messages       int       `json:"messages"`
	Tasks          int       `json:"tasks"`
	Channels       []string  `json:"channels"`
	DecodeFailures int64     `json:"decodeFailures"`
	Reconnects     int64     `json:"reconnects"`
	SnapshotError  string    `json:"snapshotError,omitempty"`
	LastSnapshotAt time.Time `json:"lastSnapshotAt,omitempty"`
}

type sessionEvent struct {
	frame    []byte
	snapshot *snapshotResult
}

type snapshotResult struct {
	generation uint64
	reload     bool
	since      uint64
	entities   []Entity
	err        error
}

// Session wires the transport, snapshot loader and store together. One loop
// goroutine owns every store mutation; the transport listener and snapshot
// fetches only feed its inbox.
type Session struct {
	id        string
	transport *Transport
	loader    *SnapshotLoader
	decoder   *Decoder
	store     *Store
	subs      *Subscriptions
	logger    Logger
	channels  []string
	inbox     chan sessionEvent

	decodeFailures atomic.Int64
	reconnects     atomic.Int64

	mu             sync.Mutex
	started        bool
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	generation     uint64
	lastSnapshot   time.Time
	lastSnapshotErr error
	listeners      []func()
	wg             sync.WaitGroup
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidInput)
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("%w: snapshot loader is required", ErrInvalidInput)
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("%w: decoder is required", ErrInvalidInput)
	}
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	size := opts.InboxSize
	if size <= 0 {
		size = 256
	}
	return &Session{
		id:        uuid.NewString(),
		transport: opts.Transport,
		loader:    opts.Loader,
		decoder:   opts.Decoder,
		store:     store,
		subs:      NewSubscriptions(opts.Transport, opts.Logger),
		logger:    opts.Logger,
		channels:  append([]string(nil), opts.Channels...),
		inbox:     make(chan sessionEvent, size),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Store() *Store {
	return s.store
}

func (s *Session) Subscriptions() *Subscriptions {
	return s.subs
}

// Start subscribes the configured channels, connects the transport and fetches
// the initial snapshot concurrently.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.listeners = append(s.listeners,
		s.transport.OnFrame(func(data []byte) {
			frame := append([]byte(nil), data...)
			s.deliver(runCtx, sessionEvent{frame: frame})
		}),
		s.transport.OnState(s.handleState),
	)
	s.wg.Add(1)
	go s.loop(runCtx)
	s.mu.Unlock()

	for _, channel := range s.channels {
		if err := s.subs.Subscribe(channel); err != nil {
			logf(s.logger, "session %s: skipping channel %q: %v", s.id, channel, err)
		}
	}
	if err := s.transport.Connect(runCtx); err != nil {
		return err
	}
	s.fetch(false)
	return nil
}

// Reload starts a fresh snapshot fetch. Events that arrive while it is in
// flight are kept when the result is applied; an older fetch still in flight
// is discarded.
func (s *Session) Reload() error {
	return s.fetch(true)
}

func (s *Session) fetch(reload bool) error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	result := snapshotResult{
		generation: s.generation,
		reload:     reload,
		since:      s.store.Seq(),
	}
	runCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		result.entities, result.err = s.loader.LoadSnapshot(runCtx)
		s.deliver(runCtx, sessionEvent{snapshot: &result})
	}()
	return nil
}

func (s *Session) deliver(ctx context.Context, ev sessionEvent) {
	select {
	case s.inbox <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			switch {
			case ev.snapshot != nil:
				s.applySnapshot(*ev.snapshot)
			case ev.frame != nil:
				s.applyFrame(ev.frame)
			}
		}
	}
}

func (s *Session) applyFrame(raw []byte) {
	frame, err := s.decoder.DecodeFrame(raw)
	if err != nil {
		s.decodeFailures.Add(1)
		logf(s.logger, "session %s: dropping frame: %v", s.id, err)
		return
	}
	switch frame.Kind {
	case FrameEntity:
		if frame.Entity != nil {
			s.store.ApplyStreamEvent(*frame.Entity)
		}
	case FrameSubscribed:
		logf(s.logger, "session %s: subscribed to %v", s.id, frame.InboxIDs)
	case FrameError:
		logf(s.logger, "session %s: server error frame: %s", s.id, frame.Message)
	}
}

func (s *Session) applySnapshot(result snapshotResult) {
	s.mu.Lock()
	if s.closed || result.generation != s.generation {
		s.mu.Unlock()
		return
	}
	if result.err != nil {
		s.lastSnapshotErr = result.err
		s.mu.Unlock()
		if !errors.Is(result.err, context.Canceled) {
			logf(s.logger, "session %s: %v; keeping %d entries", s.id, result.err, s.store.Len())
		}
		return
	}
	s.lastSnapshotErr = nil
	s.lastSnapshot = time.Now().UTC()
	s.mu.Unlock()

	if result.reload {
		s.store.Rebuild(result.entities, result.since)
		logf(s.logger, "session %s: reloaded %d entries", s.id, s.store.Len())
		return
	}
	applied := s.store.ApplySnapshot(result.entities)
	logf(s.logger, "session %s: snapshot applied (%d of %d entries changed)", s.id, applied, len(result.entities))
}

func (s *Session) handleState(change StateChange) {
	if change.To == StateOpen && change.Reconnect {
		s.reconnects.Add(1)
	}
	if change.Err != nil {
		logf(s.logger, "session %s: connection %s -> %s: %v", s.id, change.From, change.To, change.Err)
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	lastErr := s.lastSnapshotErr
	lastAt := s.lastSnapshot
	s.mu.Unlock()

	status := Status{
		SessionID:      s.id,
		Connection:     s.transport.State(),
		Phase:          s.store.Phase(),
		Seq:            s.store.Seq(),
		Messages:       len(s.store.Messages()),
		Tasks:          len(s.store.Tasks()),
		Channels:       s.subs.Channels(),
		DecodeFailures: s.decodeFailures.Load(),
		Reconnects:     s.reconnects.Load(),
		LastSnapshotAt: lastAt,
	}
	if lastErr != nil {
		status.SnapshotError = lastErr.Error()
	}
	return status
}

// Close stops the loop, closes the transport and discards in-flight snapshot
// results. The store keeps its contents.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	cancel := s.cancel
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.transport.Close()
	for _, stop := range listeners {
		stop()
	}
	s.subs.Close()
	s.wg.Wait()
	return err
}
