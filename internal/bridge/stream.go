package bridge

import (
	"sync"
	"time"

	"github.com/lumastream/cuebridge/internal/routing"
)

// streamState is one live UDP input: the immutable routing table plus the
// persistent pixel buffer datagrams assemble into. Fragmented DDP senders
// write several offsets before pushing, so the buffer must outlive a single
// datagram.
type streamState struct {
	*routing.Stream

	// notify wakes the table's dispatcher. Nil in tests that drain the
	// slot directly.
	notify chan<- struct{}

	mu          sync.Mutex
	buf         []byte
	received    bool
	sent        bool
	lastRecv    time.Time
	lastSent    time.Time
	idleCleared bool
	ddpNoticed  bool
	firstLogged bool

	packets uint64
	frames  uint64
	drops   uint64

	// reported counters at the last stats sweep.
	lastPackets uint64
	lastFrames  uint64

	// pending is the latest-wins dispatch slot: each accepted push
	// overwrites it, so a slow SDK call only costs intermediate frames,
	// never receive throughput.
	pending    []byte
	hasPending bool

	// scratch is the frame snapshot handed to the supervisor. Only the
	// dispatcher goroutine writes it.
	scratch []byte
}

func newStreamState(stream *routing.Stream) *streamState {
	return &streamState{
		Stream:  stream,
		buf:     make([]byte, stream.LEDCount()*3),
		pending: make([]byte, stream.LEDCount()*3),
		scratch: make([]byte, stream.LEDCount()*3),
	}
}

// queueFrame stores the assembled buffer in the dispatch slot and signals
// the dispatcher. Callers hold st.mu.
func (st *streamState) queueFrame() {
	copy(st.pending, st.buf)
	st.hasPending = true
}

func (st *streamState) wake() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// activeSince reports whether the stream received a datagram after cutoff.
func (st *streamState) activeSince(cutoff time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.received && st.lastRecv.After(cutoff)
}
