// Package connectivity reports online/offline transitions to subscribers.
package connectivity

import "sync"

// Observer emits connectivity transitions.
type Observer interface {
	// OnChange registers fn for every transition and returns a function
	// that removes the registration.
	OnChange(fn func(online bool)) (unsubscribe func())

	// Online reports the current state.
	Online() bool
}

// Broadcaster fans state changes out to subscribers. Repeated reports of the
// current state are not forwarded. Subscribers see transitions in the order
// they happened; a callback must not call Set.
type Broadcaster struct {
	notifyMu sync.Mutex

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewBroadcaster creates a Broadcaster in the given initial state.
func NewBroadcaster(online bool) *Broadcaster {
	return &Broadcaster{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// OnChange implements Observer.
func (b *Broadcaster) OnChange(fn func(online bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Online implements Observer.
func (b *Broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Set records the state and notifies subscribers when it changed. It reports
// whether a transition happened.
func (b *Broadcaster) Set(online bool) bool {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	subs := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	// Callbacks run outside mu so they may read b.
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Manual is an Observer driven by explicit reports from the UI shell.
type Manual struct {
	*Broadcaster
}

// NewManual creates a Manual observer in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{Broadcaster: NewBroadcaster(online)}
}

var (
	_ Observer = (*Broadcaster)(nil)
	_ Observer = (*Manual)(nil)
)
