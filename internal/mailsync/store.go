package mailsync

import (
	"sort"
	"sync"
)

type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhasePartial       Phase = "partial"
	PhaseConsistent    Phase = "consistent"
)

type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeReplace ChangeType = "replace"
	ChangeReset   ChangeType = "reset"
)

// Change is emitted after every insert or replace, and once after a Rebuild.
// Entity is zero for ChangeReset.
type Change struct {
	Type     ChangeType `json:"type"`
	Seq      uint64     `json:"seq"`
	Entity   Entity     `json:"entity"`
	Previous *Entity    `json:"previous,omitempty"`
}

type View struct {
	Phase    Phase    `json:"phase"`
	Seq      uint64   `json:"seq"`
	Entities []Entity `json:"entities"`
}

type storedEntity struct {
	entity Entity
	seq    uint64
}

// Store is the reconciled view. All mutations go through ApplySnapshot,
// ApplyStreamEvent and Rebuild; an entry is replaced only by a strictly
// higher recency for the same (kind, id).
type Store struct {
	mu      sync.RWMutex
	entries map[EntityKey]storedEntity
	phase   Phase
	seq     uint64

	listenerMu   sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

func NewStore() *Store {
	return &Store{
		entries:   map[EntityKey]storedEntity{},
		phase:     PhaseUninitialized,
		listeners: map[int]func(Change){},
	}
}

// OnChange registers a listener. Listeners run synchronously on the writer's
// goroutine after the store lock is released.
func (s *Store) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// ApplySnapshot merges a point-in-time fetch and marks the view consistent.
// It returns the number of entries inserted or replaced.
func (s *Store) ApplySnapshot(entities []Entity) int {
	s.mu.Lock()
	changes := make([]Change, 0, len(entities))
	for _, entity := range entities {
		if change, ok := s.mergeLocked(entity); ok {
			changes = append(changes, change)
		}
	}
	s.phase = PhaseConsistent
	s.mu.Unlock()

	s.emit(changes...)
	return len(changes)
}

// ApplyStreamEvent merges one live event. Duplicates and stale events are
// discarded silently and report false.
func (s *Store) ApplyStreamEvent(entity Entity) bool {
	s.mu.Lock()
	change, ok := s.mergeLocked(entity)
	if s.phase == PhaseUninitialized {
		s.phase = PhasePartial
	}
	s.mu.Unlock()

	if ok {
		s.emit(change)
	}
	return ok
}

// Rebuild replaces the view with a fresh snapshot, then folds back every entry
// observed after sequence since so that events received while the snapshot was
// in flight are not lost.
func (s *Store) Rebuild(entities []Entity, since uint64) {
	s.mu.Lock()
	previous := s.entries
	s.entries = make(map[EntityKey]storedEntity, len(entities))
	for _, entity := range entities {
		s.mergeLocked(entity)
	}
	keys := make([]EntityKey, 0)
	for key, stored := range previous {
		if stored.seq > since {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return previous[keys[i]].seq < previous[keys[j]].seq
	})
	for _, key := range keys {
		s.mergeLocked(previous[key].entity)
	}
	s.phase = PhaseConsistent
	s.seq++
	change := Change{Type: ChangeReset, Seq: s.seq}
	s.mu.Unlock()

	s.emit(change)
}

func (s *Store) mergeLocked(entity Entity) (Change, bool) {
	if entity.ID == "" {
		return Change{}, false
	}
	key := entity.Key()
	current, exists := s.entries[key]
	if exists && entity.Recency <= current.entity.Recency {
		return Change{}, false
	}
	s.seq++
	stored := entity.Clone()
	s.entries[key] = storedEntity{entity: stored, seq: s.seq}
	change := Change{Type: ChangeInsert, Seq: s.seq, Entity: stored.Clone()}
	if exists {
		prev := current.entity.Clone()
		change.Type = ChangeReplace
		change.Previous = &prev
	}
	return change, true
}

func (s *Store) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.listenerMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenerMu.Unlock()

	for _, change := range changes {
		for _, fn := range listeners {
			fn(change)
		}
	}
}

func (s *Store) Get(kind EntityKind, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entries[EntityKey{Kind: kind, ID: id}]
	if !ok {
		return Entity{}, false
	}
	return stored.entity.Clone(), true
}

func (s *Store) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Messages returns message entities, newest first.
func (s *Store) Messages() []Entity {
	return s.list(KindMessage)
}

// Tasks returns task entities, newest first.
func (s *Store) Tasks() []Entity {
	return s.list(KindTask)
}

func (s *Store) View() View {
	s.mu.RLock()
	view := View{Phase: s.phase, Seq: s.seq, Entities: make([]Entity, 0, len(s.entries))}
	for _, stored := range s.entries {
		view.Entities = append(view.Entities, stored.entity.Clone())
	}
	s.mu.RUnlock()
	sortEntities(view.Entities)
	return view
}

func (s *Store) list(kind EntityKind) []Entity {
	s.mu.RLock()
	out := make([]Entity, 0)
	for key, stored := range s.entries {
		if key.Kind == kind {
			out = append(out, stored.entity.Clone())
		}
	}
	s.mu.RUnlock()
	sortEntities(out)
	return out
}

func sortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Recency != entities[j].Recency {
			return entities[i].Recency > entities[j].Recency
		}
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return entities[i].ID < entities[j].ID
	})
}
