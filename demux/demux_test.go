package demux

import (
	"testing"
	"time"

	"gnspaxos/config"
	"gnspaxos/nodeconfig"
	"gnspaxos/packet"
	"gnspaxos/process"

	"github.com/hashicorp/go-hclog"
)

func newContext(t *testing.T) *process.Context {
	t.Helper()
	cfg := config.Default()
	cfg.StatsInterval = 10 * time.Millisecond
	ctx, err := process.NewContext(1, cfg, nodeconfig.New(nil), hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctx.Shutdown)
	return ctx
}

func TestRoutesByType(t *testing.T) {
	d := New(newContext(t))
	got := make(chan packet.Packet, 1)
	d.Register(packet.TypeDecision, "paxos", HandlerFunc(func(p packet.Packet) { got <- p }))

	data, _ := packet.Marshal(&packet.Decision{PaxosID: "alice:0", Slot: 3})
	if !d.Handle(data) {
		t.Fatal("decision not handled")
	}
	select {
	case p := <-got:
		if p.(*packet.Decision).Slot != 3 {
			t.Fatalf("got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	if d.Total() != 1 {
		t.Fatalf("total = %d", d.Total())
	}
}

func TestUnknownAndMalformed(t *testing.T) {
	d := New(newContext(t))
	d.Register(packet.TypeDecision, "paxos", HandlerFunc(func(packet.Packet) {}))
	for _, in := range []string{
		`{"type":4242}`,
		`{"type":13,"slot":"x"}`,
		`not json`,
		``,
	} {
		if d.Handle([]byte(in)) {
			t.Fatalf("%q reported handled", in)
		}
	}
	unrouted, _ := packet.Marshal(&packet.Accept{})
	if d.Handle(unrouted) {
		t.Fatal("packet without a route reported handled")
	}
	if d.Rejected() != 5 || d.Total() != 0 {
		t.Fatalf("rejected=%d total=%d", d.Rejected(), d.Total())
	}
}

func TestIntervalCountsReset(t *testing.T) {
	d := New(newContext(t))
	d.Register(packet.TypeDecision, "paxos", HandlerFunc(func(packet.Packet) {}))
	data, _ := packet.Marshal(&packet.Decision{})
	d.Handle(data)
	d.Handle(data)
	d.logInterval()
	if d.stats.Get(statHandled) != 0 || d.Total() != 2 {
		t.Fatal("interval count not reset or total lost")
	}
}
