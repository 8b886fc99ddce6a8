package selfhealer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// OperationDescriptor identifies a failed operation without retaining
// the operation closure itself (spec §9: "the source enqueues the
// operation as a callable; this traps references indefinitely").
// Re-execution, if desired, is an explicit admin operation that
// rebuilds the call from Name and Args.
type OperationDescriptor struct {
	Name string
	Args interface{}
}

// argsHash returns a hex-encoded BLAKE2b-256 digest of the JSON
// encoding of Args, used instead of retaining Args verbatim when the
// caller only needs to detect duplicate failures.
func (d OperationDescriptor) argsHash() string {
	data, err := json.Marshal(d.Args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", d.Args))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeadLetter is the preserved record of an operation that could not be
// recovered. It is never re-executed automatically.
type DeadLetter struct {
	Operation  string
	ArgsHash   string
	Error      string
	ConfigName string
	EnqueuedAt time.Time
}

// DeadLetterQueue is a single bounded FIFO (one per SelfHealer, with no
// queue names: entries from every component share it); overflow drops
// the oldest entry and increments DroppedCount.
type DeadLetterQueue struct {
	mu           sync.Mutex
	capacity     int
	entries      []DeadLetter
	droppedCount int64
}

// NewDeadLetterQueue constructs a queue bounded to capacity entries.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{capacity: capacity}
}

// Enqueue appends dl, dropping the oldest entry if the queue is full.
func (q *DeadLetterQueue) Enqueue(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.droppedCount++
	}
	q.entries = append(q.entries, dl)
}

// Entries returns a copy of the queue's current contents, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the current number of entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DroppedCount returns how many entries have been dropped due to overflow.
func (q *DeadLetterQueue) DroppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedCount
}
