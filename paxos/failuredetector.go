package paxos

import (
	"sync"
	"time"

	"gnspaxos/packet"
)

// FailureDetector suspects peers it has not heard from within timeout.
// Peers never heard from are measured from the detector's start.
type FailureDetector struct {
	mu        sync.Mutex
	timeout   time.Duration
	started   time.Time
	lastHeard map[packet.NodeID]time.Time
	now       func() time.Time
}

func NewFailureDetector(timeout time.Duration) *FailureDetector {
	return &FailureDetector{
		timeout:   timeout,
		started:   time.Now(),
		lastHeard: make(map[packet.NodeID]time.Time),
		now:       time.Now,
	}
}

func (fd *FailureDetector) Heard(id packet.NodeID) {
	fd.mu.Lock()
	fd.lastHeard[id] = fd.now()
	fd.mu.Unlock()
}

func (fd *FailureDetector) Suspect(id packet.NodeID) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	last, ok := fd.lastHeard[id]
	if !ok {
		last = fd.started
	}
	return fd.now().Sub(last) > fd.timeout
}

func (fd *FailureDetector) Alive(id packet.NodeID) bool {
	return !fd.Suspect(id)
}
