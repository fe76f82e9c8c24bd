package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultPendingLimit = 128

// candidateQueue buffers remote ICE candidates that arrive before the
// remote description. Order of receipt is preserved. The limit guards
// against a misbehaving peer; real sessions gather a few dozen at most.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
	limit int
}

func newCandidateQueue(limit int) candidateQueue {
	return candidateQueue{limit: limit}
}

func (q *candidateQueue) push(ci webrtc.ICECandidateInit) {
	if len(q.items) >= q.limit {
		log.Warn().Str("module", "rtc").Int("limit", q.limit).Msg("candidate queue full, dropping candidate")
		return
	}
	q.items = append(q.items, ci)
}

// drain returns all buffered candidates in receipt order and empties the queue.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) len() int { return len(q.items) }
