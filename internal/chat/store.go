package chat

import (
	"sort"
	"time"
)

const (
	DefaultRetention = 500
	DefaultSeenCap   = 50000
)

// Store owns the process-wide seen-id set and the ordered per-room buffers.
// It is not safe for concurrent use; the Hub is its only caller.
type Store struct {
	retention int
	now       func() time.Time

	seen     map[string]struct{}
	seenRing []string
	seenNext int
	seenCap  int

	rooms map[string][]*Message
	index map[string]*Message
}

// NewStore creates a store. seenCap <= 0 keeps every id for the life of the process.
func NewStore(retention, seenCap int, now func() time.Time) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	if seenCap > 0 && seenCap < retention {
		seenCap = retention
	}
	return &Store{
		retention: retention,
		now:       now,
		seen:      make(map[string]struct{}),
		seenCap:   seenCap,
		rooms:     make(map[string][]*Message),
		index:     make(map[string]*Message),
	}
}

// Insert dedups m and places it in its room buffer at its ordered position.
// It returns false for duplicates and for messages without a room.
func (s *Store) Insert(m *Message) bool {
	if m == nil {
		return false
	}
	m.Room = NormalizeRoom(m.Room)
	if m.Room == "" {
		return false
	}
	now := s.now()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = m.ReceivedAt.Unix()
	}
	if m.ID == "" {
		m.ID = m.DeriveID()
	}
	if s.Seen(m.ID) {
		return false
	}

	s.markSeen(m.ID)
	m.sortKey = SortKey(m, now)

	list := s.rooms[m.Room]
	i := sort.Search(len(list), func(i int) bool { return Less(m, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.index[m.ID] = m

	if len(list) > s.retention {
		evicted := list[0]
		list[0] = nil
		list = list[1:]
		delete(s.index, evicted.ID)
	}
	s.rooms[m.Room] = list
	return true
}

// Seen reports whether id was already ingested and is still remembered.
func (s *Store) Seen(id string) bool {
	if _, ok := s.seen[id]; ok {
		return true
	}
	_, buffered := s.index[id]
	return buffered
}

func (s *Store) markSeen(id string) {
	s.seen[id] = struct{}{}
	if s.seenCap <= 0 {
		return
	}
	if len(s.seenRing) < s.seenCap {
		s.seenRing = append(s.seenRing, id)
		return
	}
	delete(s.seen, s.seenRing[s.seenNext])
	s.seenRing[s.seenNext] = id
	s.seenNext = (s.seenNext + 1) % s.seenCap
}

// Messages returns a copy of the room buffer in order.
func (s *Store) Messages(room string) []*Message {
	list := s.rooms[NormalizeRoom(room)]
	out := make([]*Message, len(list))
	copy(out, list)
	return out
}

// Counts returns the buffer length per room.
func (s *Store) Counts() map[string]int {
	out := make(map[string]int, len(s.rooms))
	for room, list := range s.rooms {
		out[room] = len(list)
	}
	return out
}

// Lookup returns a buffered message by id.
func (s *Store) Lookup(id string) (*Message, bool) {
	m, ok := s.index[id]
	return m, ok
}
