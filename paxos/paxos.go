// Package paxos runs one multi-Paxos instance per replicated name. A
// Manager owns the instances of a node, routes consensus packets to them,
// detects failed coordinators and drives the periodic retries.
package paxos

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gnspaxos/packet"
)

var (
	ErrNoInstance = errors.New("no such paxos instance")
	ErrStopped    = errors.New("paxos instance stopped")
	ErrNotMember  = errors.New("node is not a member of the instance")
)

// Application receives decisions in slot order and provides the snapshots
// used for checkpoints.
type Application interface {
	HandleDecision(paxosID string, slot int64, req packet.RequestValue) (string, packet.ResponseCode)
	GetState(paxosID string) (string, error)
	UpdateState(paxosID string, state string) error
}

type Status int

const (
	RECOVERING Status = iota
	ACTIVE
)

func (s Status) String() string {
	if s == ACTIVE {
		return "ACTIVE"
	}
	return "RECOVERING"
}

func PaxosID(name string, version int) string {
	return name + ":" + strconv.Itoa(version)
}

// ParsePaxosID splits an id made by PaxosID. Names may contain ':'.
func ParsePaxosID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("bad paxos id %q", id)
	}
	v, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad paxos id %q: %w", id, err)
	}
	return id[:i], v, nil
}

type outMsg struct {
	dest packet.NodeID
	p    packet.Packet
}

// outbox collects packets produced under an instance lock so they are sent
// after it is released.
type outbox []outMsg

func (o *outbox) send(dest packet.NodeID, p packet.Packet) {
	*o = append(*o, outMsg{dest: dest, p: p})
}

func (o *outbox) broadcast(members []packet.NodeID, p packet.Packet) {
	for _, id := range members {
		o.send(id, p)
	}
}
