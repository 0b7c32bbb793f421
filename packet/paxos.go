package packet

// PValue is an accepted or decided log entry carried during recovery.
type PValue struct {
	Slot    int64        `json:"slot"`
	Ballot  Ballot       `json:"ballot"`
	Value   RequestValue `json:"value"`
	Decided bool         `json:"decided,omitempty"`
}

// Checkpoint is an application snapshot taken after Slot was applied.
type Checkpoint struct {
	Slot    int64    `json:"slot"`
	State   string   `json:"state"`
	Dedup   []string `json:"dedup,omitempty"`
	Stopped bool     `json:"stopped,omitempty"`
}

// Propose forwards a client request to the coordinator.
type Propose struct {
	PaxosID string       `json:"paxosID"`
	Sender  NodeID       `json:"sender"`
	Value   RequestValue `json:"value"`
}

type Accept struct {
	PaxosID string       `json:"paxosID"`
	Sender  NodeID       `json:"sender"`
	Ballot  Ballot       `json:"ballot"`
	Slot    int64        `json:"slot"`
	Value   RequestValue `json:"value"`
}

// AcceptReply with OK unset is a nack carrying the acceptor's promise.
type AcceptReply struct {
	PaxosID  string `json:"paxosID"`
	Sender   NodeID `json:"sender"`
	Ballot   Ballot `json:"ballot"`
	Promised Ballot `json:"promised"`
	Slot     int64  `json:"slot"`
	OK       bool   `json:"ok"`
}

type Decision struct {
	PaxosID string       `json:"paxosID"`
	Sender  NodeID       `json:"sender"`
	Ballot  Ballot       `json:"ballot"`
	Slot    int64        `json:"slot"`
	Value   RequestValue `json:"value"`
}

type Prepare struct {
	PaxosID  string `json:"paxosID"`
	Sender   NodeID `json:"sender"`
	Ballot   Ballot `json:"ballot"`
	FromSlot int64  `json:"fromSlot"`
}

type PrepareReply struct {
	PaxosID    string      `json:"paxosID"`
	Sender     NodeID      `json:"sender"`
	Ballot     Ballot      `json:"ballot"`
	Promised   Ballot      `json:"promised"`
	OK         bool        `json:"ok"`
	Accepted   []PValue    `json:"accepted,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

type FailurePing struct {
	Sender    NodeID `json:"sender"`
	Timestamp int64  `json:"ts"`
}

type FailurePong struct {
	Sender    NodeID `json:"sender"`
	Timestamp int64  `json:"ts"`
}

type SyncRequest struct {
	PaxosID  string `json:"paxosID"`
	Sender   NodeID `json:"sender"`
	FromSlot int64  `json:"fromSlot"`
}

type SyncReply struct {
	PaxosID    string      `json:"paxosID"`
	Sender     NodeID      `json:"sender"`
	Decisions  []PValue    `json:"decisions,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

func (*Propose) Type() Type      { return TypePropose }
func (*Accept) Type() Type       { return TypeAccept }
func (*AcceptReply) Type() Type  { return TypeAcceptReply }
func (*Decision) Type() Type     { return TypeDecision }
func (*Prepare) Type() Type      { return TypePrepare }
func (*PrepareReply) Type() Type { return TypePrepareReply }
func (*FailurePing) Type() Type  { return TypeFailurePing }
func (*FailurePong) Type() Type  { return TypeFailurePong }
func (*SyncRequest) Type() Type  { return TypeSyncRequest }
func (*SyncReply) Type() Type    { return TypeSyncReply }
