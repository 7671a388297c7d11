package gateway

import "sync"

// ReplayBuffer keeps the most recent envelopes of one channel, indexed by
// channel seq. Seqs pushed must be strictly increasing; gaps are allowed.
type ReplayBuffer struct {
	mu   sync.RWMutex
	seqs []int64
	data [][]byte
	head int // index of the oldest entry
	n    int
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = defaultReplayCap
	}
	return &ReplayBuffer{
		seqs: make([]int64, capacity),
		data: make([][]byte, capacity),
	}
}

// Push appends an envelope, evicting the oldest when full. data is copied.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := append([]byte(nil), data...)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.seqs)
	if rb.n < capacity {
		i := (rb.head + rb.n) % capacity
		rb.seqs[i], rb.data[i] = seq, cp
		rb.n++
		return
	}
	rb.seqs[rb.head], rb.data[rb.head] = seq, cp
	rb.head = (rb.head + 1) % capacity
}

// Range returns the envelopes with seq in [fromSeq, toSeq], oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.n == 0 || fromSeq > toSeq {
		return nil
	}
	start := rb.search(fromSeq)
	var out [][]byte
	for i := start; i < rb.n; i++ {
		idx := rb.physical(i)
		if rb.seqs[idx] > toSeq {
			break
		}
		out = append(out, rb.data[idx])
	}
	return out
}

// Oldest returns the smallest seq still held, or 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return 0
	}
	return rb.seqs[rb.head]
}

// Len returns the number of entries currently in the buffer.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

// search returns the first logical index whose seq >= seq.
func (rb *ReplayBuffer) search(seq int64) int {
	lo, hi := 0, rb.n
	for lo < hi {
		mid := (lo + hi) / 2
		if rb.seqs[rb.physical(mid)] < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (rb *ReplayBuffer) physical(logical int) int {
	return (rb.head + logical) % len(rb.seqs)
}
