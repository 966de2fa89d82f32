package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownPrompt = errors.New("prompt not found")

// Prompt is a yes/no question waiting for the user.
type Prompt struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type pendingPrompt struct {
	Prompt
	answer chan bool
}

// Prompts implements p2p.Confirmer by parking questions until the UI answers them.
// An unanswered prompt resolves to false when its context ends.
type Prompts struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	asked   chan Prompt
}

func NewPrompts() *Prompts {
	return &Prompts{
		pending: make(map[string]*pendingPrompt),
		asked:   make(chan Prompt, 16),
	}
}

// Asked announces new prompts. Announcements are dropped when nobody reads them;
// Pending still lists every open prompt.
func (p *Prompts) Asked() <-chan Prompt { return p.asked }

func (p *Prompts) Confirm(ctx context.Context, text string) bool {
	pp := &pendingPrompt{
		Prompt: Prompt{ID: uuid.NewString(), Text: text, At: time.Now()},
		answer: make(chan bool, 1),
	}
	p.mu.Lock()
	p.pending[pp.ID] = pp
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, pp.ID)
		p.mu.Unlock()
	}()

	select {
	case p.asked <- pp.Prompt:
	default:
	}

	select {
	case ok := <-pp.answer:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Answer resolves an open prompt.
func (p *Prompts) Answer(id string, accept bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.pending[id]
	if !ok {
		return ErrUnknownPrompt
	}
	delete(p.pending, id)
	pp.answer <- accept
	return nil
}

// Pending lists open prompts, oldest first.
func (p *Prompts) Pending() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Prompt, 0, len(p.pending))
	for _, pp := range p.pending {
		out = append(out, pp.Prompt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
