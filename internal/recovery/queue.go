package recovery

import (
	"sync"
	"time"
)

// QueueEntry is one buffered message for a disconnected player.
type QueueEntry struct {
	EventType  string    `json:"eventType"`
	Data       any       `json:"data"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Critical   bool      `json:"critical"`
}

// MessageQueue is the bounded, ordered buffer for one disconnected
// (room, player) pair. Drain order always matches enqueue order.
type MessageQueue struct {
	roomID   string
	playerID string
	maxSize  int

	mu      sync.Mutex
	entries []QueueEntry
}

func NewMessageQueue(roomID, playerID string, maxSize int) *MessageQueue {
	return &MessageQueue{roomID: roomID, playerID: playerID, maxSize: maxSize}
}

// Enqueue appends an entry, applying the overflow policy when full: the
// first non-critical entry is dropped from the front to make room; if every
// buffered entry is critical, the new entry is dropped instead. The return
// value reports whether any entry was discarded.
func (q *MessageQueue) Enqueue(e QueueEntry) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) < q.maxSize {
		q.entries = append(q.entries, e)
		return false
	}

	for i := range q.entries {
		if q.entries[i].Critical {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.entries = append(q.entries, e)
		return true
	}

	// Full of critical entries; the newcomer loses.
	return true
}

// Drain returns every buffered entry in enqueue order and empties the queue.
func (q *MessageQueue) Drain() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries
	q.entries = nil
	return entries
}

// Entries returns a copy of the buffered entries without draining.
func (q *MessageQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
