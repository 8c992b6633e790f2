// Package marker holds the opaque client-side session marker shared by every
// open tab of one browser. It carries no authority; it only gates UI state and
// lets tabs notice each other's logins and logouts.
//
// A change made through one Tab is announced to subscribers of every other
// open Tab, never to the tab that made it. Delivery is synchronous and best
// effort: a closed tab misses events.
package marker

import "sync"

type EventKind int

const (
	Replaced EventKind = iota + 1
	Cleared
)

func (k EventKind) String() string {
	switch k {
	case Replaced:
		return "replaced"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Value string
}

type Storage struct {
	mu     sync.Mutex
	value  string
	nextID int
	tabs   map[int]*Tab
}

func NewStorage() *Storage {
	return &Storage{tabs: make(map[int]*Tab)}
}

// Open attaches a new tab view to the storage.
func (s *Storage) Open() *Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Tab{id: s.nextID, storage: s, subs: make(map[int]func(Event))}
	s.tabs[t.id] = t
	return t
}

func (s *Storage) get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.value != ""
}

func (s *Storage) write(origin int, value string) {
	s.mu.Lock()
	if s.value == value {
		s.mu.Unlock()
		return
	}
	s.value = value

	ev := Event{Kind: Replaced, Value: value}
	if value == "" {
		ev.Kind = Cleared
	}
	var handlers []func(Event)
	for id, t := range s.tabs {
		if id == origin {
			continue
		}
		handlers = append(handlers, t.handlers()...)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (s *Storage) detach(id int) {
	s.mu.Lock()
	delete(s.tabs, id)
	s.mu.Unlock()
}

// Tab is one browser tab's view of the storage.
type Tab struct {
	id      int
	storage *Storage

	mu      sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

func (t *Tab) Get() (string, bool) {
	return t.storage.get()
}

func (t *Tab) Set(value string) {
	t.storage.write(t.id, value)
}

func (t *Tab) Clear() {
	t.storage.write(t.id, "")
}

// Subscribe registers fn for changes made by other tabs. The returned
// function removes the subscription.
func (t *Tab) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close detaches the tab; it stops receiving events.
func (t *Tab) Close() {
	t.storage.detach(t.id)
}

func (t *Tab) handlers() []func(Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}
	return out
}
