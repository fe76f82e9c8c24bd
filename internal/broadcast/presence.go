package broadcast

import (
	"sync"

	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

// presenceSet tracks which viewers are currently present. The host
// rebroadcasts the full state on every change, so a late joiner only needs
// the last update.
type presenceSet struct {
	mu      sync.RWMutex
	members map[domain.UserID]string
}

func newPresenceSet() *presenceSet {
	return &presenceSet{members: make(map[domain.UserID]string)}
}

func (p *presenceSet) add(id domain.UserID, username string) {
	p.mu.Lock()
	p.members[id] = username
	p.mu.Unlock()
}

func (p *presenceSet) remove(id domain.UserID) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

func (p *presenceSet) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

func (p *presenceSet) snapshot() []signal.Caller {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]signal.Caller, 0, len(p.members))
	for id, name := range p.members {
		out = append(out, signal.Caller{ID: id, Username: name})
	}
	return out
}
