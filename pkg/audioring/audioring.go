package audioring

import (
	"sync"
	"time"

	"github.com/drgolem/lavtools/pkg/types"
)

// Re-export common ringbuffer errors so callers can classify ring results
var (
	ErrInsufficientSpace = types.ErrInsufficientSpace
	ErrInsufficientData  = types.ErrInsufficientData
)

// Status is the validity flag of a slot.
type Status int8

const (
	StatusCorrupted Status = -1
	StatusPending   Status = 0
	StatusValid     Status = 1
)

// Chunk describes the data handed out by Consume.
type Chunk struct {
	N         int       // bytes copied into the destination
	Status    Status    // validity reported by the producer
	Timestamp time.Time // zero when the producer had no reliable time
}

type slot struct {
	data      []byte
	n         int
	used      bool // producer has written, consumer has not yet consumed
	status    Status
	timestamp time.Time
}

// Ring is a fixed-size circular array of fixed-size audio chunks shared between
// one producer and one consumer. Ownership of a slot is handed over by the used
// flag; the mutex only protects the flag words and positions, never device I/O.
//
// In the capture direction the audio task produces and the client consumes.
// In the playback direction the client produces; the audio task acquires a slot,
// writes it to the device and completes it with an output status that the
// client later collects.
//
// The slot count is rounded up to the next power of 2 so positions can be
// masked instead of divided.
type Ring struct {
	mu        sync.Mutex
	cond      *sync.Cond
	slots     []slot
	size      uint64
	mask      uint64
	chunkSize int

	writePos   uint64
	readPos    uint64
	collectPos uint64
	closed     bool
}

// New creates a ring of numSlots chunks of chunkSize bytes each.
func New(numSlots uint64, chunkSize int) *Ring {
	numSlots = nextPowerOf2(numSlots)

	r := &Ring{
		slots:     make([]slot, numSlots),
		size:      numSlots,
		mask:      numSlots - 1,
		chunkSize: chunkSize,
	}
	for i := range r.slots {
		r.slots[i].data = make([]byte, chunkSize)
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// at is the only place a position is turned into a slot.
func (r *Ring) at(pos uint64) *slot {
	return &r.slots[pos&r.mask]
}

// Size returns the number of slots.
func (r *Ring) Size() uint64 {
	return r.size
}

// ChunkSize returns the size of one slot in bytes.
func (r *Ring) ChunkSize() int {
	return r.chunkSize
}

// Produce copies up to ChunkSize bytes of data into the next slot and marks it used.
// Returns ErrInsufficientSpace if the consumer has not yet released that slot.
func (r *Ring) Produce(data []byte, status Status, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.at(r.writePos)
	if s.used {
		return ErrInsufficientSpace
	}

	s.n = copy(s.data, data)
	s.status = status
	s.timestamp = ts
	s.used = true
	r.writePos++
	r.cond.Broadcast()

	return nil
}

// Consume copies the oldest used slot into dst and releases it.
// Returns ErrInsufficientData when no slot is ready; this is the non-blocking
// "no data yet" result, not a failure.
func (r *Ring) Consume(dst []byte) (Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.at(r.readPos)
	if !s.used {
		return Chunk{}, ErrInsufficientData
	}

	n := copy(dst, s.data[:s.n])
	c := Chunk{N: n, Status: s.status, Timestamp: s.timestamp}
	s.used = false
	r.readPos++
	r.collectPos = r.readPos
	r.cond.Broadcast()

	return c, nil
}

// Acquire blocks until the oldest slot is used or the ring is closed, and
// returns its index and data. The data stays valid until Complete is called
// with the same index. ok is false once the ring is closed.
func (r *Ring) Acquire() (index int, data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.closed && !r.at(r.readPos).used {
		r.cond.Wait()
	}
	if r.closed {
		return 0, nil, false
	}

	s := r.at(r.readPos)
	return int(r.readPos & r.mask), s.data[:s.n], true
}

// Complete releases an acquired slot and records the outcome of its output.
func (r *Ring) Complete(index int, status Status, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(index) != r.readPos&r.mask {
		return
	}
	s := r.at(r.readPos)
	s.used = false
	s.status = status
	s.timestamp = ts
	r.readPos++
	r.cond.Broadcast()
}

// WaitEmpty blocks until every produced slot has been consumed or completed,
// or the ring is closed.
func (r *Ring) WaitEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.closed && r.writePos != r.readPos {
		r.cond.Wait()
	}
}

// Collect walks the slots completed since the last call and returns how many
// were output, how many of those failed, and the timestamp of the last one.
func (r *Ring) Collect() (output, failed uint64, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readPos-r.collectPos > r.size {
		// Completions older than one lap have been overwritten.
		skipped := r.readPos - r.collectPos - r.size
		output += skipped
		r.collectPos += skipped
	}
	for ; r.collectPos < r.readPos; r.collectPos++ {
		s := r.at(r.collectPos)
		output++
		if s.status < 0 {
			failed++
		}
		last = s.timestamp
	}
	return output, failed, last
}

// Used returns the number of slots holding data not yet consumed.
func (r *Ring) Used() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos - r.readPos
}

// Close wakes any Acquire waiter; later Acquire calls return ok=false.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Reset empties the ring and reopens it.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		r.slots[i].used = false
		r.slots[i].status = StatusPending
		r.slots[i].n = 0
		r.slots[i].timestamp = time.Time{}
	}
	r.writePos = 0
	r.readPos = 0
	r.collectPos = 0
	r.closed = false
}

// nextPowerOf2 returns the next power of 2 greater than or equal to n
func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
