package quorum

import "gnspaxos/packet"

type QuorumTally interface {
	Add(id packet.NodeID)
	Reached() bool
	Acknowledged(packet.NodeID) bool
	CanFormQuorum(packet.NodeID) bool
}

// CountingQuorumTally is reached once Threshold distinct members of Can
// have acknowledged.
type CountingQuorumTally struct {
	ResponseHolder
	Threshold int
	Can       []packet.NodeID
}

// Majority tallies a simple majority of members.
func Majority(members []packet.NodeID) *CountingQuorumTally {
	return &CountingQuorumTally{
		ResponseHolder: NewResponseHolder(),
		Threshold:      len(members)/2 + 1,
		Can:            append([]packet.NodeID(nil), members...),
	}
}

// All is reached only when every member has acknowledged.
func All(members []packet.NodeID) *CountingQuorumTally {
	return &CountingQuorumTally{
		ResponseHolder: NewResponseHolder(),
		Threshold:      len(members),
		Can:            append([]packet.NodeID(nil), members...),
	}
}

// Add ignores ids outside the member set.
func (qrm *CountingQuorumTally) Add(aid packet.NodeID) {
	if !qrm.CanFormQuorum(aid) {
		return
	}
	qrm.ResponseHolder.addAck(aid)
}

func (qrm *CountingQuorumTally) AddNack(aid packet.NodeID) {
	if !qrm.CanFormQuorum(aid) {
		return
	}
	qrm.ResponseHolder.addNack(aid)
}

func (qrm *CountingQuorumTally) Reached() bool {
	return len(qrm.getAcks()) >= qrm.Threshold
}

func (qrm *CountingQuorumTally) Acknowledged(aid packet.NodeID) bool {
	_, exists := qrm.getAcks()[aid]
	return exists
}

func (qrm *CountingQuorumTally) CanFormQuorum(aid packet.NodeID) bool {
	for _, id := range qrm.Can {
		if id == aid {
			return true
		}
	}
	return false
}

// Missing lists members that have not acknowledged.
func (qrm *CountingQuorumTally) Missing() []packet.NodeID {
	var out []packet.NodeID
	for _, id := range qrm.Can {
		if !qrm.Acknowledged(id) {
			out = append(out, id)
		}
	}
	return out
}
