package packet

// GroupChange describes one membership change of a name. It is embedded in
// every hand-off step so receivers never depend on earlier steps.
type GroupChange struct {
	Name       string   `json:"name"`
	ChangeID   string   `json:"changeID"`
	Version    int      `json:"version"`
	OldActives []NodeID `json:"oldActives"`
	NewActives []NodeID `json:"newActives"`
	Primary    NodeID   `json:"primary"`
}

type NewActivePropose struct {
	GroupChange
}

type OldActiveFrozen struct {
	Name     string `json:"name"`
	ChangeID string `json:"changeID"`
	Sender   NodeID `json:"sender"`
}

type NewActiveStart struct {
	GroupChange
}

// PrevValueRequest asks an old active for the final state of Version.
type PrevValueRequest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	QueryID uint32 `json:"queryID"`
	Sender  NodeID `json:"sender"`
}

type PrevValueResponse struct {
	Name    string       `json:"name"`
	Version int          `json:"version"`
	QueryID uint32       `json:"queryID"`
	Sender  NodeID       `json:"sender"`
	Code    ResponseCode `json:"errorCode"`
	State   string       `json:"state,omitempty"`
}

type NewActiveStartConfirm struct {
	Name     string `json:"name"`
	ChangeID string `json:"changeID"`
	Sender   NodeID `json:"sender"`
}

type OldActiveStop struct {
	GroupChange
}

type OldActiveStopConfirm struct {
	Name     string `json:"name"`
	ChangeID string `json:"changeID"`
	Sender   NodeID `json:"sender"`
}

type GroupChangeComplete struct {
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Actives  []NodeID `json:"actives"`
	ChangeID string   `json:"changeID"`
}

type GroupChangeAbort struct {
	GroupChange
}

type GroupChangeAbortConfirm struct {
	Name     string `json:"name"`
	ChangeID string `json:"changeID"`
	Sender   NodeID `json:"sender"`
}

// ProposeGroupChange carries the output of the external selection policy
// to the name's primary.
type ProposeGroupChange struct {
	Name       string   `json:"name"`
	NewActives []NodeID `json:"newActives"`
}

type AddRecord struct {
	Name      string            `json:"name"`
	Actives   []NodeID          `json:"actives,omitempty"`
	Initial   map[string]string `json:"initial,omitempty"`
	RequestID uint32            `json:"reqID"`
	ClientID  NodeID            `json:"clientID"`
}

type RemoveRecord struct {
	Name      string `json:"name"`
	RequestID uint32 `json:"reqID"`
	ClientID  NodeID `json:"clientID"`
}

type ActiveAdd struct {
	Name    string            `json:"name"`
	Version int               `json:"version"`
	Actives []NodeID          `json:"actives"`
	Initial map[string]string `json:"initial,omitempty"`
	Primary NodeID            `json:"primary"`
}

type ActiveAddConfirm struct {
	Name   string `json:"name"`
	Sender NodeID `json:"sender"`
}

type ActiveRemove struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Primary NodeID `json:"primary"`
}

type ActiveRemoveConfirm struct {
	Name   string `json:"name"`
	Sender NodeID `json:"sender"`
}

type RequestActives struct {
	Name    string `json:"name"`
	QueryID uint32 `json:"queryID"`
	Sender  NodeID `json:"sender"`
}

type RequestActivesReply struct {
	Name    string       `json:"name"`
	QueryID uint32       `json:"queryID"`
	Actives []NodeID     `json:"actives,omitempty"`
	Version int          `json:"version"`
	Code    ResponseCode `json:"errorCode"`
}

type NameServerLoad struct {
	Sender NodeID  `json:"sender"`
	Load   float64 `json:"load"`
}

func (*NewActivePropose) Type() Type        { return TypeNewActivePropose }
func (*OldActiveFrozen) Type() Type         { return TypeOldActiveFrozen }
func (*NewActiveStart) Type() Type          { return TypeNewActiveStart }
func (*PrevValueRequest) Type() Type        { return TypePrevValueRequest }
func (*PrevValueResponse) Type() Type       { return TypePrevValueResponse }
func (*NewActiveStartConfirm) Type() Type   { return TypeNewActiveStartConfirm }
func (*OldActiveStop) Type() Type           { return TypeOldActiveStop }
func (*OldActiveStopConfirm) Type() Type    { return TypeOldActiveStopConfirm }
func (*GroupChangeComplete) Type() Type     { return TypeGroupChangeComplete }
func (*GroupChangeAbort) Type() Type        { return TypeGroupChangeAbort }
func (*GroupChangeAbortConfirm) Type() Type { return TypeGroupChangeAbortConfirm }
func (*ProposeGroupChange) Type() Type      { return TypeProposeGroupChange }
func (*AddRecord) Type() Type               { return TypeAddRecord }
func (*RemoveRecord) Type() Type            { return TypeRemoveRecord }
func (*ActiveAdd) Type() Type               { return TypeActiveAdd }
func (*ActiveAddConfirm) Type() Type        { return TypeActiveAddConfirm }
func (*ActiveRemove) Type() Type            { return TypeActiveRemove }
func (*ActiveRemoveConfirm) Type() Type     { return TypeActiveRemoveConfirm }
func (*RequestActives) Type() Type          { return TypeRequestActives }
func (*RequestActivesReply) Type() Type     { return TypeRequestActivesReply }
func (*NameServerLoad) Type() Type          { return TypeNameServerLoad }

func init() {
	Register(TypeUpdate, func() Packet { return new(Update) })
	Register(TypeRead, func() Packet { return new(Read) })
	Register(TypeReadReply, func() Packet { return new(ReadReply) })
	Register(TypeCommandReturnValue, func() Packet { return new(CommandReturnValue) })

	Register(TypePropose, func() Packet { return new(Propose) })
	Register(TypeAccept, func() Packet { return new(Accept) })
	Register(TypeAcceptReply, func() Packet { return new(AcceptReply) })
	Register(TypeDecision, func() Packet { return new(Decision) })
	Register(TypePrepare, func() Packet { return new(Prepare) })
	Register(TypePrepareReply, func() Packet { return new(PrepareReply) })
	Register(TypeFailurePing, func() Packet { return new(FailurePing) })
	Register(TypeFailurePong, func() Packet { return new(FailurePong) })
	Register(TypeSyncRequest, func() Packet { return new(SyncRequest) })
	Register(TypeSyncReply, func() Packet { return new(SyncReply) })

	Register(TypeNewActivePropose, func() Packet { return new(NewActivePropose) })
	Register(TypeOldActiveFrozen, func() Packet { return new(OldActiveFrozen) })
	Register(TypeNewActiveStart, func() Packet { return new(NewActiveStart) })
	Register(TypePrevValueRequest, func() Packet { return new(PrevValueRequest) })
	Register(TypePrevValueResponse, func() Packet { return new(PrevValueResponse) })
	Register(TypeNewActiveStartConfirm, func() Packet { return new(NewActiveStartConfirm) })
	Register(TypeOldActiveStop, func() Packet { return new(OldActiveStop) })
	Register(TypeOldActiveStopConfirm, func() Packet { return new(OldActiveStopConfirm) })
	Register(TypeGroupChangeComplete, func() Packet { return new(GroupChangeComplete) })
	Register(TypeGroupChangeAbort, func() Packet { return new(GroupChangeAbort) })
	Register(TypeGroupChangeAbortConfirm, func() Packet { return new(GroupChangeAbortConfirm) })
	Register(TypeProposeGroupChange, func() Packet { return new(ProposeGroupChange) })

	Register(TypeAddRecord, func() Packet { return new(AddRecord) })
	Register(TypeRemoveRecord, func() Packet { return new(RemoveRecord) })
	Register(TypeActiveAdd, func() Packet { return new(ActiveAdd) })
	Register(TypeActiveAddConfirm, func() Packet { return new(ActiveAddConfirm) })
	Register(TypeActiveRemove, func() Packet { return new(ActiveRemove) })
	Register(TypeActiveRemoveConfirm, func() Packet { return new(ActiveRemoveConfirm) })
	Register(TypeRequestActives, func() Packet { return new(RequestActives) })
	Register(TypeRequestActivesReply, func() Packet { return new(RequestActivesReply) })
	Register(TypeNameServerLoad, func() Packet { return new(NameServerLoad) })
}
