package mixer

import "sync"

// streamCapacity is the number of frames a player stream buffers before new
// frames are dropped. Dropping keeps latency bounded when a consumer stalls.
const streamCapacity = 100

// Stream is a bounded ring buffer of audio frames for one player. Pushes
// never block; once full, the incoming frame is discarded and counted.
type Stream struct {
	mu      sync.Mutex
	frames  [streamCapacity][]byte
	head    int
	count   int
	dropped uint64
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{}
}

// Push appends a frame. Returns false if the stream was full and the frame
// was dropped.
func (s *Stream) Push(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == streamCapacity {
		s.dropped++
		return false
	}

	s.frames[(s.head+s.count)%streamCapacity] = frame
	s.count++
	return true
}

// Pop removes and returns the oldest frame
func (s *Stream) Pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil, false
	}

	frame := s.frames[s.head]
	s.frames[s.head] = nil
	s.head = (s.head + 1) % streamCapacity
	s.count--
	return frame, true
}

// Len returns the number of buffered frames
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Dropped returns how many frames have been discarded since creation
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Clear discards all buffered frames
func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.frames {
		s.frames[i] = nil
	}
	s.head = 0
	s.count = 0
}
