package packet

// Update is a write submitted by the command layer to any name server.
type Update struct {
	Name      string `json:"name"`
	Field     string `json:"field"`
	Value     string `json:"value,omitempty"`
	Op        string `json:"op"`
	RequestID uint32 `json:"reqID"`
	ClientID  NodeID `json:"clientID"`
	EntryTime int64  `json:"entryTime,omitempty"`
}

type Read struct {
	Name    string `json:"name"`
	Field   string `json:"field"`
	QueryID uint32 `json:"queryID"`
	Sender  NodeID `json:"sender"`
}

type ReadReply struct {
	QueryID   uint32       `json:"queryID"`
	Value     string       `json:"value,omitempty"`
	Code      ResponseCode `json:"errorCode"`
	Responder NodeID       `json:"responder"`
}

// CommandReturnValue reports the outcome of a decided request to whoever
// is waiting on it.
type CommandReturnValue struct {
	RequestID   uint32       `json:"reqID"`
	ReturnValue string       `json:"returnValue,omitempty"`
	Code        ResponseCode `json:"errorCode"`
	Responder   NodeID       `json:"responder"`
	RTT         int64        `json:"lnsRtt"`
	RequestCnt  int64        `json:"requestCnt"`
}

func (*Update) Type() Type             { return TypeUpdate }
func (*Read) Type() Type               { return TypeRead }
func (*ReadReply) Type() Type          { return TypeReadReply }
func (*CommandReturnValue) Type() Type { return TypeCommandReturnValue }
