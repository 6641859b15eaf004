// Package history holds per-conversation message history under two
// levels of bounded eviction: per-conversation item and byte caps with
// oldest-first removal, and global session-count and byte caps that
// evict whole least-recently-touched conversations.
package history

import "sync"

const (
	MaxItemsPerSession = 200
	MaxBytesPerSession = 512 * 1024
	MaxSessions        = 200
	MaxTotalBytes      = 10 * 1024 * 1024
)

type Item struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Thought string `json:"thought,omitempty"`
}

// size mirrors the persisted accounting format "role:content+thought".
func size(it Item) int {
	return len(it.Role) + 1 + len(it.Content) + len(it.Thought)
}

type conversation struct {
	items   []Item
	bytes   int
	touched int64
}

type Caps struct {
	MaxItemsPerSession int
	MaxBytesPerSession int
	MaxSessions        int
	MaxTotalBytes      int
}

func DefaultCaps() Caps {
	return Caps{
		MaxItemsPerSession: MaxItemsPerSession,
		MaxBytesPerSession: MaxBytesPerSession,
		MaxSessions:        MaxSessions,
		MaxTotalBytes:      MaxTotalBytes,
	}
}

type Store struct {
	mu    sync.Mutex
	caps  Caps
	convs map[string]*conversation
	total int
	seq   int64
	// onChange fires after every mutation, once the store lock has been
	// released. Wired to the persistence debounce.
	onChange func()
}

func New(caps Caps) *Store {
	def := DefaultCaps()
	if caps.MaxItemsPerSession <= 0 {
		caps.MaxItemsPerSession = def.MaxItemsPerSession
	}
	if caps.MaxBytesPerSession <= 0 {
		caps.MaxBytesPerSession = def.MaxBytesPerSession
	}
	if caps.MaxSessions <= 0 {
		caps.MaxSessions = def.MaxSessions
	}
	if caps.MaxTotalBytes <= 0 {
		caps.MaxTotalBytes = def.MaxTotalBytes
	}
	return &Store{caps: caps, convs: make(map[string]*conversation)}
}

// SetOnChange registers a hook fired after every mutation.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Append adds an item to the conversation, then enforces the
// per-conversation caps (evicting from the head; at least one item
// survives byte pruning) and the global caps (evicting whole
// least-recently-touched conversations).
func (s *Store) Append(id string, it Item) {
	s.mu.Lock()
	conv := s.convs[id]
	if conv == nil {
		conv = &conversation{}
		s.convs[id] = conv
	}
	conv.items = append(conv.items, it)
	sz := size(it)
	conv.bytes += sz
	s.total += sz
	s.seq++
	conv.touched = s.seq

	for len(conv.items) > s.caps.MaxItemsPerSession {
		s.dropHead(conv)
	}
	for conv.bytes > s.caps.MaxBytesPerSession && len(conv.items) > 1 {
		s.dropHead(conv)
	}
	s.pruneGlobal(id)

	hook := s.onChange
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *Store) dropHead(conv *conversation) {
	removed := size(conv.items[0])
	conv.items = conv.items[1:]
	conv.bytes -= removed
	s.total -= removed
}

// pruneGlobal evicts entire least-recently-touched conversations until
// both global bounds hold. keep is never evicted ahead of others with
// the same touch age; it was just touched, so in practice it is the
// last candidate anyway.
func (s *Store) pruneGlobal(keep string) {
	for len(s.convs) > s.caps.MaxSessions || s.total > s.caps.MaxTotalBytes {
		victim := ""
		var oldest int64
		for id, conv := range s.convs {
			if victim == "" || conv.touched < oldest {
				victim = id
				oldest = conv.touched
			}
		}
		if victim == "" {
			return
		}
		s.total -= s.convs[victim].bytes
		delete(s.convs, victim)
		if victim == keep {
			// The triggering conversation itself was the oldest left;
			// nothing newer remains to protect.
			return
		}
	}
}

// Items returns a copy of the conversation's history, oldest first.
func (s *Store) Items(id string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[id]
	if conv == nil {
		return nil
	}
	out := make([]Item, len(conv.items))
	copy(out, conv.items)
	return out
}

// Clear removes the conversation wholesale.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	conv := s.convs[id]
	var hook func()
	if conv != nil {
		s.total -= conv.bytes
		delete(s.convs, id)
		hook = s.onChange
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Sessions reports the number of live conversations.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// TotalBytes reports the aggregate accounted size.
func (s *Store) TotalBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type SessionSnapshot struct {
	Items   []Item `json:"items"`
	Touched int64  `json:"touched"`
}

// Snapshot exports all conversations for persistence.
func (s *Store) Snapshot() map[string]SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionSnapshot, len(s.convs))
	for id, conv := range s.convs {
		items := make([]Item, len(conv.items))
		copy(items, conv.items)
		out[id] = SessionSnapshot{Items: items, Touched: conv.touched}
	}
	return out
}

// Restore replaces the store contents with a persisted snapshot and
// re-enforces every cap.
func (s *Store) Restore(snap map[string]SessionSnapshot) {
	s.mu.Lock()
	s.convs = make(map[string]*conversation, len(snap))
	s.total = 0
	s.seq = 0
	for id, sess := range snap {
		conv := &conversation{touched: sess.Touched}
		for _, it := range sess.Items {
			conv.items = append(conv.items, it)
			conv.bytes += size(it)
		}
		s.total += conv.bytes
		s.convs[id] = conv
		if sess.Touched > s.seq {
			s.seq = sess.Touched
		}
	}
	for _, conv := range s.convs {
		for len(conv.items) > s.caps.MaxItemsPerSession {
			s.dropHead(conv)
		}
		for conv.bytes > s.caps.MaxBytesPerSession && len(conv.items) > 1 {
			s.dropHead(conv)
		}
	}
	s.pruneGlobal("")
	s.mu.Unlock()
}
