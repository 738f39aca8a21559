// Package relay buffers locally generated ICE candidates that cannot be
// legally transmitted yet and replays them once the session allows it.
package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/protocol"
	"github.com/neilyboy/SoundMesh/internal/sched"
)

// SendFunc hands one candidate to the signaling channel. It reports whether
// the frame was transmitted now; delivery confirmation is not part of the
// protocol.
type SendFunc func(protocol.Candidate) bool

// Queue is a FIFO of unsent candidate records. No two structurally equal
// records coexist in it.
type Queue struct {
	send   SendFunc
	sched  sched.Scheduler
	pacing time.Duration

	mu       sync.Mutex
	items    []protocol.Candidate
	queued   map[string]struct{}
	flushing bool
	stop     func() bool
}

func NewQueue(send SendFunc, s sched.Scheduler, pacing time.Duration) *Queue {
	return &Queue{
		send:   send,
		sched:  s,
		pacing: pacing,
		queued: make(map[string]struct{}),
	}
}

// Enqueue appends c unless an identical payload is already waiting.
func (q *Queue) Enqueue(c protocol.Candidate) {
	fp := c.Fingerprint()
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.queued[fp]; dup {
		log.Debug().Str("module", "relay").Msg("skipped duplicate candidate")
		return
	}
	q.queued[fp] = struct{}{}
	q.items = append(q.items, c)
	log.Debug().Str("module", "relay").Int("pending", len(q.items)).Msg("stored candidate for later transmission")
}

// Len reports the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush drains the queue in submission order with inter-send pacing. Each
// record is handed to the sender at most once and removed on handoff; a
// refused send stops the drain and keeps the remainder for the next
// trigger. Concurrent flush triggers coalesce into the running drain.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	n := len(q.items)
	q.mu.Unlock()

	log.Info().Str("module", "relay").Int("pending", n).Msg("flushing candidate queue")
	q.sendHead()
}

func (q *Queue) sendHead() {
	q.mu.Lock()
	if !q.flushing || len(q.items) == 0 {
		q.flushing = false
		q.mu.Unlock()
		return
	}
	head := q.items[0]
	q.mu.Unlock()

	if !q.send(head) {
		log.Warn().Str("module", "relay").Msg("channel refused candidate, pausing drain")
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	if len(q.items) > 0 && q.items[0].Fingerprint() == head.Fingerprint() {
		delete(q.queued, head.Fingerprint())
		q.items = q.items[1:]
	}
	more := q.flushing && len(q.items) > 0
	if !more {
		q.flushing = false
	}
	q.mu.Unlock()

	if more {
		stop := q.sched.AfterFunc(q.pacing, q.sendHead)
		q.mu.Lock()
		q.stop = stop
		q.mu.Unlock()
	}
}

// Reset drops all pending records and cancels any in-flight pacing timer.
// Safe to call from any state; nothing fires afterwards.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	q.flushing = false
	q.items = nil
	q.queued = make(map[string]struct{})
}
