package p2p

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionLimit = errors.New("too many active transfers")
	ErrTooLarge     = errors.New("transfer exceeds the size limit")
	ErrDeclined     = errors.New("transfer declined")
	ErrTimedOut     = errors.New("transfer timed out")
	ErrCancelled    = errors.New("transfer cancelled")
	ErrUnknown      = errors.New("unknown session")
	errTransition   = errors.New("invalid session transition")
)

// State is the signaling state of a session.
type State string

const (
	StateNone            State = "none"
	StateOfferSent       State = "offer_sent"
	StateOfferReceived   State = "offer_received"
	StateAnswerSent      State = "answer_sent"
	StateAnswerReceived  State = "answer_received"
	StateDataChannelOpen State = "data_channel_open"
	StateTransferring    State = "transferring"
	StateComplete        State = "complete"
	StateDeclined        State = "declined"
	StateTimedOut        State = "timed_out"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateDeclined, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// forward lists the non-failure transitions. Failure states are reachable from
// every non-terminal state.
var forward = map[State][]State{
	StateNone:            {StateOfferSent, StateOfferReceived},
	StateOfferSent:       {StateAnswerReceived},
	StateOfferReceived:   {StateAnswerSent},
	StateAnswerReceived:  {StateDataChannelOpen},
	StateAnswerSent:      {StateDataChannelOpen},
	StateDataChannelOpen: {StateTransferring},
	StateTransferring:    {StateComplete},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateDeclined, StateTimedOut, StateCancelled:
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// Meta describes the payload being transferred.
type Meta struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// Session is a single transfer negotiation. Fields are guarded by the Manager.
type Session struct {
	ID        string
	Role      Role
	Room      string
	Peer      string
	State     State
	Meta      Meta
	Received  int64
	Err       error
	CreatedAt time.Time
	// History records every state entered, in order.
	History []State

	chunks     [][]byte
	candidates []string
	timer      *time.Timer
	cancel     func()
	channel    Channel
	listener   Listener
}

func newSession(id string, role Role, room, peer string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Role:      role,
		Room:      room,
		Peer:      peer,
		State:     StateNone,
		CreatedAt: now,
		History:   []State{StateNone},
	}
}

func (s *Session) advance(to State) error {
	if !canTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", errTransition, s.State, to)
	}
	s.State = to
	s.History = append(s.History, to)
	return nil
}

// accept appends a chunk, enforcing both the declared size and the hard cap.
func (s *Session) accept(chunk []byte, maxBytes int64) error {
	next := s.Received + int64(len(chunk))
	if next > maxBytes {
		return ErrTooLarge
	}
	if next > s.Meta.Size {
		return fmt.Errorf("received %d bytes, declared %d", next, s.Meta.Size)
	}
	s.chunks = append(s.chunks, chunk)
	s.Received = next
	return nil
}

func (s *Session) done() bool { return s.Received == s.Meta.Size }

func (s *Session) assemble() []byte {
	out := make([]byte, 0, s.Received)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	s.chunks = nil
	return out
}

// Snapshot is a copy of a session safe to hand out.
type Snapshot struct {
	ID       string  `json:"id"`
	Role     Role    `json:"role"`
	Room     string  `json:"room"`
	Peer     string  `json:"peer"`
	State    State   `json:"state"`
	Meta     Meta    `json:"meta"`
	Received int64   `json:"received"`
	Error    string  `json:"error,omitempty"`
	History  []State `json:"history"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:       s.ID,
		Role:     s.Role,
		Room:     s.Room,
		Peer:     s.Peer,
		State:    s.State,
		Meta:     s.Meta,
		Received: s.Received,
		History:  append([]State(nil), s.History...),
	}
	if s.Err != nil {
		snap.Error = s.Err.Error()
	}
	return snap
}
