package broadcast

import (
	"sync"

	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

const (
	defaultTranscriptLimit = 500
	// seenLimit bounds the recently-seen id set. Large enough to never
	// realistically collide during one session; trimmed oldest-first beyond.
	seenLimit = 4096
)

// Transcript is the bounded, append-only chat log of one broadcast session,
// deduplicated by the sender-generated message id. A sender receives its own
// broadcast echo, so duplicates are the normal case, not an error.
type Transcript struct {
	mu        sync.Mutex
	limit     int
	msgs      []domain.ChatMessage
	seen      map[string]struct{}
	seenOrder []string
}

func NewTranscript(limit int) *Transcript {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	return &Transcript{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// Append adds the message unless its id was already seen. Returns false on a
// duplicate. Messages without an id cannot be deduplicated and are always
// appended.
func (t *Transcript) Append(m domain.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ID != "" {
		if _, dup := t.seen[m.ID]; dup {
			return false
		}
		t.seen[m.ID] = struct{}{}
		t.seenOrder = append(t.seenOrder, m.ID)
		if len(t.seenOrder) > seenLimit {
			evict := t.seenOrder[0]
			t.seenOrder = t.seenOrder[1:]
			delete(t.seen, evict)
		}
	}

	t.msgs = append(t.msgs, m)
	if len(t.msgs) > t.limit {
		t.msgs = t.msgs[len(t.msgs)-t.limit:]
	}
	return true
}

// Messages returns a copy of the transcript in arrival order.
func (t *Transcript) Messages() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ChatMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
