package quorum

import "gnspaxos/packet"

type ResponseHolder struct {
	Nacks map[packet.NodeID]struct{}
	Acks  map[packet.NodeID]struct{}
}

func NewResponseHolder() ResponseHolder {
	return ResponseHolder{
		Nacks: make(map[packet.NodeID]struct{}),
		Acks:  make(map[packet.NodeID]struct{}),
	}
}

func (qrm *ResponseHolder) clear() {
	qrm.Nacks = make(map[packet.NodeID]struct{})
	qrm.Acks = make(map[packet.NodeID]struct{})
}

func (qrm *ResponseHolder) Reset() {
	qrm.clear()
}

func (qrm *ResponseHolder) addAck(id packet.NodeID) {
	qrm.Acks[id] = struct{}{}
}

func (qrm *ResponseHolder) addNack(id packet.NodeID) {
	qrm.Nacks[id] = struct{}{}
}

func (qrm *ResponseHolder) getAcks() map[packet.NodeID]struct{} {
	return qrm.Acks
}

func (qrm *ResponseHolder) NackCount() int {
	return len(qrm.Nacks)
}
