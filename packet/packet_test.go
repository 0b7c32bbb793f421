package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/emirpasic/gods/sets/treeset"
)

func TestMarshalTypeFirst(t *testing.T) {
	data, err := Marshal(&Decision{PaxosID: "alice:0", Sender: 2, Slot: 7})
	if err != nil {
		t.Fatal(err)
	}
	prefix := []byte(`{"type":13,`)
	if !bytes.HasPrefix(data, prefix) {
		t.Fatalf("envelope %s does not start with %s", data, prefix)
	}
}

func TestUnmarshalDispatchesOnType(t *testing.T) {
	in := &Accept{
		PaxosID: "bob:3",
		Sender:  1,
		Ballot:  Ballot{Number: 2, Coordinator: 1},
		Slot:    9,
		Value:   RequestValue{Name: "bob", Field: "ip", Value: "1.2.3.4", Op: OpReplace, RequestID: 77, Origin: 3},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := p.(*Accept)
	if !ok {
		t.Fatalf("decoded %T", p)
	}
	if out.Slot != 9 || !out.Ballot.Equal(in.Ballot) || out.Value != in.Value {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestEmbeddedGroupChangeFlattens(t *testing.T) {
	in := &OldActiveStop{GroupChange{Name: "bob", ChangeID: "c1", Version: 1, OldActives: []NodeID{1, 2, 3}, NewActives: []NodeID{2, 3, 4}}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"changeID":"c1"`)) {
		t.Fatalf("fields not flattened: %s", data)
	}
	p, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(*OldActiveStop); got.Name != "bob" || len(got.NewActives) != 3 || got.NewActives[2] != 4 {
		t.Fatalf("decoded %+v", got)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"unknown type", `{"type":999}`, ErrUnknownType},
		{"missing type", `{"name":"x"}`, ErrMalformed},
		{"not json", `{"type":`, ErrMalformed},
		{"bad field", `{"type":13,"slot":"seven"}`, ErrMalformed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(c.data))
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestBallotOrder(t *testing.T) {
	a := Ballot{Number: 1, Coordinator: 5}
	b := Ballot{Number: 2, Coordinator: 1}
	c := Ballot{Number: 2, Coordinator: 3}
	if !b.GreaterThan(a) || !c.GreaterThan(b) || !a.Less(c) {
		t.Fatal("ballots not ordered by number then coordinator")
	}
	if a.GreaterThan(a) || !a.Equal(Ballot{1, 5}) {
		t.Fatal("ballot equality")
	}
}

func TestNodeIDComparator(t *testing.T) {
	s := treeset.NewWith(NodeIDComparator)
	s.Add(NodeID(4), NodeID(1), NodeID(3))
	vals := s.Values()
	if len(vals) != 3 || vals[0].(NodeID) != 1 || vals[2].(NodeID) != 4 {
		t.Fatalf("unexpected order %v", vals)
	}
}
