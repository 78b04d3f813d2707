package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnState{StateDisconnected, StateConnecting, StateOpen, StateClosing} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("%w: unknown connection state %q", ErrInvalidInput, text)
}

// StateChange is delivered to state listeners. Err is set when the transition
// was caused by a transport failure. Reconnect is true on every open after the
// first one of this Connect cycle.
type StateChange struct {
	From      ConnState
	To        ConnState
	Err       error
	Reconnect bool
}

// Conn is the subset of *websocket.Conn the transport uses, so tests can
// substitute an in-memory connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// Outbound is a frame returned by a resync provider. Frames with a Key are
// delivered at most once per connection.
type Outbound struct {
	Key     string
	Message any
}

type TransportOptions struct {
	URL          string
	Token        string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterRatio  float64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Dial         DialFunc
	Logger       Logger
}

const (
	defaultBaseDelay    = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultJitterRatio  = 0.2
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20
)

type pendingFrame struct {
	key  string
	data []byte
}

// Transport owns one logical websocket connection for the life of a session.
//
// A single supervisor goroutine dials, replays resync frames, flushes the
// pending queue, reads frames and reconnects with backoff. Frame and state
// listeners are invoked from that goroutine, so frames arrive in order.
// Listeners must not call Close.
type Transport struct {
	url          string
	dial         DialFunc
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterRatio  float64
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       Logger
	rng          *rand.Rand

	mu         sync.Mutex
	state      ConnState
	conn       Conn
	connCtx    context.Context
	pending    []pendingFrame
	sentKeys   map[string]struct{}
	// forgotten holds keys dropped since the current open began collecting
	// resync frames; those frames are stale and must not be replayed.
	forgotten  map[string]struct{}
	everOpened bool
	cancel     context.CancelFunc
	done       chan struct{}

	listenerMu     sync.Mutex
	nextListener   int
	frameListeners map[int]func([]byte)
	stateListeners map[int]func(StateChange)
	resyncers      map[int]func() []Outbound
}

func NewTransport(opts TransportOptions) (*Transport, error) {
	endpoint, err := realtimeURL(opts.URL, opts.Token)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		url:            endpoint,
		dial:           opts.Dial,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		jitterRatio:    clampRatio(opts.JitterRatio),
		dialTimeout:    opts.DialTimeout,
		writeTimeout:   opts.WriteTimeout,
		logger:         opts.Logger,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		state:          StateDisconnected,
		sentKeys:       map[string]struct{}{},
		forgotten:      map[string]struct{}{},
		frameListeners: map[int]func([]byte){},
		stateListeners: map[int]func(StateChange){},
		resyncers:      map[int]func() []Outbound{},
	}
	if t.baseDelay <= 0 {
		t.baseDelay = defaultBaseDelay
	}
	if t.maxDelay <= 0 {
		t.maxDelay = defaultMaxDelay
	}
	if t.maxDelay < t.baseDelay {
		t.maxDelay = t.baseDelay
	}
	if opts.JitterRatio == 0 {
		t.jitterRatio = defaultJitterRatio
	} else if opts.JitterRatio < 0 {
		t.jitterRatio = 0
	}
	if t.dialTimeout <= 0 {
		t.dialTimeout = defaultDialTimeout
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = defaultWriteTimeout
	}
	if t.dial == nil {
		readLimit := opts.ReadLimit
		if readLimit <= 0 {
			readLimit = defaultReadLimit
		}
		t.dial = websocketDialer(readLimit)
	}
	return t, nil
}

func websocketDialer(readLimit int64) DialFunc {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return conn, nil
	}
}

func realtimeURL(raw, token string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: realtime url is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported realtime url scheme %q", ErrInvalidInput, u.Scheme)
	}
	if token = strings.TrimSpace(token); token != "" {
		q := u.Query()
		q.Set("auth_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts the supervisor. It is a no-op while a supervisor is already
// connecting, open or backing off. ctx bounds the lifetime of the connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.everOpened = false
	go t.run(runCtx, t.done)
	return nil
}

// Close tears the connection down and discards pending frames. A later
// Connect starts a fresh connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	if cancel == nil {
		t.pending = nil
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	cancel()
	<-done
	return nil
}

// Send writes msg now when the connection is open, otherwise queues it for the
// next open. Queued frames are flushed in FIFO order.
func (t *Transport) Send(msg any) error {
	return t.send("", msg)
}

// SendOnce is Send for frames that must reach the server at most once per
// connection, such as subscriptions that resync providers also replay.
func (t *Transport) SendOnce(key string, msg any) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	return t.send(key, msg)
}

// Forget drops a pending keyed frame and the record that it was sent on the
// current connection.
func (t *Transport) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sentKeys, key)
	t.forgotten[key] = struct{}{}
	kept := t.pending[:0]
	for _, p := range t.pending {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	t.pending = kept
}

func (t *Transport) send(key string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if key != "" {
		delete(t.forgotten, key)
		if _, sent := t.sentKeys[key]; sent && t.state == StateOpen {
			return nil
		}
		for _, p := range t.pending {
			if p.key == key {
				return nil
			}
		}
	}
	if t.state == StateOpen && t.conn != nil {
		if err := t.writeLocked(data); err != nil {
			logf(t.logger, "transport: write failed, deferring frame: %v", err)
			t.pending = append(t.pending, pendingFrame{key: key, data: data})
			return nil
		}
		if key != "" {
			t.sentKeys[key] = struct{}{}
		}
		return nil
	}
	t.pending = append(t.pending, pendingFrame{key: key, data: data})
	return nil
}

func (t *Transport) writeLocked(data []byte) error {
	parent := t.connCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// OnFrame registers a listener for raw inbound text frames.
func (t *Transport) OnFrame(fn func([]byte)) func() {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.frameListeners[id] = fn
	return func() {
		t.listenerMu.Lock()
		delete(t.frameListeners, id)
		t.listenerMu.Unlock()
	}
}

func (t *Transport) OnState(fn func(StateChange)) func() {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.stateListeners[id] = fn
	return func() {
		t.listenerMu.Lock()
		delete(t.stateListeners, id)
		t.listenerMu.Unlock()
	}
}

// AddResync registers a provider whose frames are written on every open,
// before queued frames and before any inbound frame is dispatched.
func (t *Transport) AddResync(fn func() []Outbound) func() {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.resyncers[id] = fn
	return func() {
		t.listenerMu.Lock()
		delete(t.resyncers, id)
		t.listenerMu.Unlock()
	}
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		t.setState(StateConnecting, nil)
		var err error
		conn, dialErr := t.dialConn(ctx)
		if dialErr != nil {
			err = &TransportError{Op: "dial", Err: dialErr}
		} else {
			var opened bool
			opened, err = t.serve(ctx, conn)
			if opened {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			t.shutdown()
			return
		}
		t.setState(StateDisconnected, err)
		delay := backoffDelay(attempt, t.baseDelay, t.maxDelay, t.jitterRatio, t.rng.Float64())
		attempt++
		if isNormalClose(err) {
			logf(t.logger, "transport: server closed the connection; reconnecting in %s", delay)
		} else {
			logf(t.logger, "transport: %v; reconnecting in %s", err, delay)
		}
		if waitWithContext(ctx, delay) != nil {
			t.shutdown()
			return
		}
	}
}

func (t *Transport) dialConn(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	return t.dial(dialCtx, t.url)
}

// serve replays resync frames, flushes the queue, then reads until the
// connection fails. opened reports whether the connection reached StateOpen.
func (t *Transport) serve(ctx context.Context, conn Conn) (opened bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if ctx.Err() != nil {
			t.setState(StateClosing, nil)
			_ = conn.Close(websocket.StatusNormalClosure, "closing")
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	}()

	t.mu.Lock()
	t.forgotten = map[string]struct{}{}
	t.mu.Unlock()
	replay := t.collectResync()

	t.mu.Lock()
	t.conn = conn
	t.connCtx = connCtx
	t.sentKeys = map[string]struct{}{}
	for _, frame := range replay {
		data, marshalErr := json.Marshal(frame.Message)
		if marshalErr != nil {
			logf(t.logger, "transport: dropping resync frame %q: %v", frame.Key, marshalErr)
			continue
		}
		if frame.Key != "" {
			if _, sent := t.sentKeys[frame.Key]; sent {
				continue
			}
			if _, gone := t.forgotten[frame.Key]; gone {
				continue
			}
		}
		if writeErr := t.writeLocked(data); writeErr != nil {
			t.conn = nil
			t.mu.Unlock()
			return false, &TransportError{Op: "resync", Err: writeErr}
		}
		if frame.Key != "" {
			t.sentKeys[frame.Key] = struct{}{}
		}
	}
	queue := t.pending
	t.pending = nil
	for i, p := range queue {
		if p.key != "" {
			if _, sent := t.sentKeys[p.key]; sent {
				continue
			}
		}
		if writeErr := t.writeLocked(p.data); writeErr != nil {
			t.pending = append(append([]pendingFrame(nil), queue[i:]...), t.pending...)
			t.conn = nil
			t.mu.Unlock()
			return false, &TransportError{Op: "flush", Err: writeErr}
		}
		if p.key != "" {
			t.sentKeys[p.key] = struct{}{}
		}
	}
	reconnect := t.everOpened
	t.everOpened = true
	change, changed := t.setStateLocked(StateOpen, nil)
	change.Reconnect = reconnect
	t.mu.Unlock()
	if changed {
		t.emitState(change)
	}
	if len(replay) > 0 || len(queue) > 0 {
		logf(t.logger, "transport: open; replayed %d frames, flushed %d queued", len(replay), len(queue))
	}

	for {
		typ, data, readErr := conn.Read(connCtx)
		if readErr != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return true, &TransportError{Op: "read", Err: readErr}
		}
		if typ != websocket.MessageText {
			logf(t.logger, "transport: ignoring non-text frame (%d bytes)", len(data))
			continue
		}
		t.emitFrame(data)
	}
}

func (t *Transport) shutdown() {
	t.setState(StateClosing, nil)
	t.mu.Lock()
	t.conn = nil
	t.connCtx = nil
	t.pending = nil
	t.sentKeys = map[string]struct{}{}
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()
	t.setState(StateDisconnected, nil)
}

func (t *Transport) collectResync() []Outbound {
	t.listenerMu.Lock()
	ids := make([]int, 0, len(t.resyncers))
	for id := range t.resyncers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	providers := make([]func() []Outbound, 0, len(ids))
	for _, id := range ids {
		providers = append(providers, t.resyncers[id])
	}
	t.listenerMu.Unlock()

	var out []Outbound
	for _, provider := range providers {
		out = append(out, provider()...)
	}
	return out
}

func (t *Transport) setState(next ConnState, err error) {
	t.mu.Lock()
	change, changed := t.setStateLocked(next, err)
	t.mu.Unlock()
	if changed {
		t.emitState(change)
	}
}

func (t *Transport) setStateLocked(next ConnState, err error) (StateChange, bool) {
	if t.state == next {
		return StateChange{}, false
	}
	change := StateChange{From: t.state, To: next, Err: err}
	t.state = next
	return change, true
}

func (t *Transport) emitState(change StateChange) {
	t.listenerMu.Lock()
	listeners := make([]func(StateChange), 0, len(t.stateListeners))
	for _, id := range sortedKeys(t.stateListeners) {
		listeners = append(listeners, t.stateListeners[id])
	}
	t.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (t *Transport) emitFrame(data []byte) {
	t.listenerMu.Lock()
	listeners := make([]func([]byte), 0, len(t.frameListeners))
	for _, id := range sortedKeys(t.frameListeners) {
		listeners = append(listeners, t.frameListeners[id])
	}
	t.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(data)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// backoffDelay doubles base per attempt up to max, then applies a symmetric
// jitter of jitterRatio using sample in [0,1]. The result never exceeds max.
func backoffDelay(attempt int, base, max time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitterRatio = clampRatio(jitterRatio)
	if jitterRatio > 0 {
		if sample < 0 {
			sample = 0
		} else if sample > 1 {
			sample = 1
		}
		factor := 1 + ((sample*2)-1)*jitterRatio
		delay = time.Duration(float64(delay) * factor)
	}
	if delay > max {
		delay = max
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

func clampRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func isNormalClose(err error) bool {
	return errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
