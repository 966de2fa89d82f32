package p2p

import (
	"sort"
	"sync"
	"time"
)

const DefaultLivenessWindow = 10 * time.Minute

// Peer is the last sighting of an identity in a room.
type Peer struct {
	Identity string    `json:"identity"`
	Nick     string    `json:"nick"`
	LastSeen time.Time `json:"last_seen"`
}

// Peers tracks who has been active in each room. It only feeds the
// "unverified sender" prompt and is not authoritative.
type Peers struct {
	mu     sync.Mutex
	window time.Duration
	rooms  map[string]map[string]*Peer
}

func NewPeers(window time.Duration) *Peers {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Peers{window: window, rooms: make(map[string]map[string]*Peer)}
}

// Touch records a sighting. LastSeen only moves forward.
func (p *Peers) Touch(room, identity, nick string, at time.Time) {
	if room == "" || identity == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	peers, ok := p.rooms[room]
	if !ok {
		peers = make(map[string]*Peer)
		p.rooms[room] = peers
	}
	peer, ok := peers[identity]
	if !ok {
		peers[identity] = &Peer{Identity: identity, Nick: nick, LastSeen: at}
		return
	}
	if nick != "" {
		peer.Nick = nick
	}
	if at.After(peer.LastSeen) {
		peer.LastSeen = at
	}
}

// RecentlySeen reports whether identity was active in room within the liveness window.
func (p *Peers) RecentlySeen(room, identity string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.rooms[room][identity]
	if !ok {
		return false
	}
	return now.Sub(peer.LastSeen) <= p.window
}

// Nick returns the last display name seen for identity in room.
func (p *Peers) Nick(room, identity string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.rooms[room][identity]; ok {
		return peer.Nick
	}
	return ""
}

// Active lists the peers seen in room within the window, most recent first.
func (p *Peers) Active(room string, now time.Time) []Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Peer
	for _, peer := range p.rooms[room] {
		if now.Sub(peer.LastSeen) <= p.window {
			out = append(out, *peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
