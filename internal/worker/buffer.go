package worker

import "sync"

// ringBuffer keeps the most recent bytes of a worker's output so failures
// can quote the tail without holding the whole transcript.
type ringBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int
	end   int
	full  bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range p {
		r.data[r.end] = b
		r.end = (r.end + 1) % len(r.data)
		if r.full {
			r.start = (r.start + 1) % len(r.data)
		}
		if r.end == r.start {
			r.full = true
		}
	}
	return len(p), nil
}

// String returns the buffered bytes, oldest first.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.data[r.start:r.end])
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.start:]...)
	out = append(out, r.data[:r.end]...)
	return string(out)
}
