package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaymail/internal/mailsync"
)

type PublisherOptions struct {
	// SessionID is stamped on every snapshot.
	SessionID string
	// Debounce coalesces bursts of store changes into one save.
	Debounce time.Duration
	Logger   mailsync.Logger
}

// Publisher copies the reconciled view to a Backend after store changes.
type Publisher struct {
	store     *mailsync.Store
	backend   Backend
	sessionID string
	debounce  time.Duration
	logger    mailsync.Logger
	dirty     chan struct{}

	mu        sync.Mutex
	lastSeq   uint64
	saved     bool
	saveCount int
}

func NewPublisher(store *mailsync.Store, backend Backend, opts PublisherOptions) (*Publisher, error) {
	if store == nil || backend == nil {
		return nil, fmt.Errorf("%w: store and backend are required", ErrInvalidInput)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Publisher{
		store:     store,
		backend:   backend,
		sessionID: opts.SessionID,
		debounce:  debounce,
		logger:    opts.Logger,
		dirty:     make(chan struct{}, 1),
	}, nil
}

// Run saves debounced snapshots until ctx is done, then flushes once more.
func (p *Publisher) Run(ctx context.Context) error {
	cancel := p.store.OnChange(func(mailsync.Change) {
		select {
		case p.dirty <- struct{}{}:
		default:
		}
	})
	defer cancel()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return p.Flush()
		case <-p.dirty:
			if timer == nil {
				timer = time.NewTimer(p.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := p.Flush(); err != nil {
				p.logf("mirror: save failed: %v", err)
			}
		}
	}
}

// Flush writes the current view unless it was already saved at this sequence.
func (p *Publisher) Flush() error {
	view := p.store.View()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved && view.Seq == p.lastSeq {
		return nil
	}
	snapshot := &Snapshot{
		SessionID: p.sessionID,
		Phase:     view.Phase,
		Seq:       view.Seq,
		SavedAt:   time.Now().UTC(),
		Messages:  []mailsync.Entity{},
		Tasks:     []mailsync.Entity{},
	}
	for _, entity := range view.Entities {
		switch entity.Kind {
		case mailsync.KindMessage:
			snapshot.Messages = append(snapshot.Messages, entity)
		case mailsync.KindTask:
			snapshot.Tasks = append(snapshot.Tasks, entity)
		}
	}
	if err := p.backend.Save(snapshot); err != nil {
		return err
	}
	p.saved = true
	p.lastSeq = view.Seq
	p.saveCount++
	return nil
}

// Saves reports how many snapshots have been written.
func (p *Publisher) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveCount
}

func (p *Publisher) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
