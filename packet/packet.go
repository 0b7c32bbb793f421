// Package packet defines the messages exchanged between name servers and the
// JSON envelope they travel in. Every envelope is a JSON object whose first
// key is the integer "type".
package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	ErrUnknownType = errors.New("unknown packet type")
	ErrMalformed   = errors.New("malformed packet")
)

// NodeID identifies a cluster member. Addresses are resolved by nodeconfig.
type NodeID int32

// NodeIDComparator orders NodeIDs for gods containers.
func NodeIDComparator(a, b interface{}) int {
	x, y := a.(NodeID), b.(NodeID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

type Packet interface {
	Type() Type
}

// Sender delivers packets to other nodes. Delivery is best effort; false
// means the packet was refused before leaving the node.
type Sender interface {
	SendPacket(dest NodeID, p Packet) bool
}

var (
	regMu    sync.RWMutex
	registry = make(map[Type]func() Packet)
)

// Register binds a type tag to a constructor used by Unmarshal.
func Register(t Type, ctor func() Packet) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("packet type %d registered twice", t))
	}
	registry[t] = ctor
}

// New returns an empty packet of the given type.
func New(t Type) (Packet, error) {
	regMu.RLock()
	ctor, ok := registry[t]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return ctor(), nil
}

// Marshal encodes p with its type tag as the first key.
func Marshal(p Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %T does not encode to an object", ErrMalformed, p)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 16)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Itoa(int(p.Type())))
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

type header struct {
	Type *Type `json:"type"`
}

// PeekType reads only the type discriminator of an encoded packet.
func PeekType(data []byte) (Type, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == nil {
		return 0, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return *h.Type, nil
}

func Unmarshal(data []byte) (Packet, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	p, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return p, nil
}
