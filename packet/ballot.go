package packet

import "fmt"

// Ballot orders leadership epochs by (Number, Coordinator).
type Ballot struct {
	Number      int32  `json:"n"`
	Coordinator NodeID `json:"c"`
}

func (b Ballot) GreaterThan(o Ballot) bool {
	return b.Number > o.Number || (b.Number == o.Number && b.Coordinator > o.Coordinator)
}

func (b Ballot) Less(o Ballot) bool {
	return o.GreaterThan(b)
}

func (b Ballot) Equal(o Ballot) bool {
	return b.Number == o.Number && b.Coordinator == o.Coordinator
}

func (b Ballot) String() string {
	return fmt.Sprintf("%d.%d", b.Number, b.Coordinator)
}

// RequestValue is the unit agreed on by a consensus instance.
type RequestValue struct {
	Name      string `json:"name"`
	Field     string `json:"field,omitempty"`
	Value     string `json:"value,omitempty"`
	Op        string `json:"op,omitempty"`
	RequestID uint32 `json:"reqID"`
	ClientID  NodeID `json:"clientID"`
	Origin    NodeID `json:"origin"`
	EntryTime int64  `json:"entryTime,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	NoOp      bool   `json:"noop,omitempty"`
}

// Key identifies a request across re-forwarding.
func (r RequestValue) Key() string {
	return fmt.Sprintf("%d/%d", r.Origin, r.RequestID)
}

func (r RequestValue) String() string {
	switch {
	case r.NoOp:
		return "NOOP"
	case r.Stop:
		return fmt.Sprintf("STOP[%s]", r.Key())
	case r.Resume:
		return fmt.Sprintf("RESUME[%s]", r.Key())
	}
	return fmt.Sprintf("%s %s.%s=%q [%s]", r.Op, r.Name, r.Field, r.Value, r.Key())
}
