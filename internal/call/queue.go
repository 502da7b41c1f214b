package call

import "github.com/dkeye/VoiceCall/internal/signaling"

// candidateQueue holds remote ICE candidates until both descriptions are applied.
// Once sealed it accepts nothing.
type candidateQueue struct {
	items  []signaling.Candidate
	sealed bool
}

func (q *candidateQueue) Push(c signaling.Candidate) bool {
	if q.sealed {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) Drain() []signaling.Candidate {
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Seal() {
	q.sealed = true
	q.items = nil
}

func (q *candidateQueue) Len() int { return len(q.items) }
