package replicacontroller

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gnspaxos/config"
	"gnspaxos/nodeconfig"
	"gnspaxos/packet"
	"gnspaxos/process"

	"github.com/hashicorp/go-hclog"
)

type sent struct {
	dest packet.NodeID
	p    packet.Packet
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) SendPacket(dest packet.NodeID, p packet.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{dest, p})
	return true
}

// take returns and forgets what was sent so far.
func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	r.out = nil
	return out
}

func destsOf(out []sent, t packet.Type) []packet.NodeID {
	var ids []packet.NodeID
	for _, s := range out {
		if s.p.Type() == t {
			ids = append(ids, s.dest)
		}
	}
	return ids
}

func newController(t *testing.T) (*Controller, *recorder) {
	cfg := config.Default()
	cfg.ReconfigStepTimeout = time.Second
	cfg.ReconfigMaxRetries = 1
	var nodes []nodeconfig.NodeInfo
	for i := 1; i <= 4; i++ {
		nodes = append(nodes, nodeconfig.NodeInfo{ID: packet.NodeID(i), Host: "127.0.0.1", Port: 7000 + i})
	}
	ctx, err := process.NewContext(1, cfg, nodeconfig.New(nodes), hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	ctx.Sender = rec
	t.Cleanup(ctx.Shutdown)
	return New(ctx), rec
}

// ownedName returns a name whose primary is the controller's node.
func ownedName(t *testing.T, c *Controller) string {
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("name%d", i)
		if c.isPrimary(name) {
			return name
		}
	}
	t.Fatal("no name maps to node 1")
	return ""
}

func addGroup(t *testing.T, c *Controller, rec *recorder, name string, actives ...packet.NodeID) {
	t.Helper()
	if err := c.AddRecord(&packet.AddRecord{Name: name, Actives: actives, RequestID: 7, ClientID: 9}); err != nil {
		t.Fatal(err)
	}
	for _, id := range actives {
		c.HandlePacket(&packet.ActiveAddConfirm{Name: name, Sender: id})
	}
	out := rec.take()
	if got := destsOf(out, packet.TypeCommandReturnValue); len(got) != 1 || got[0] != 9 {
		t.Fatalf("client answered %v", got)
	}
}

func TestValidateReplicaSet(t *testing.T) {
	c, _ := newController(t)
	for _, tc := range []struct {
		actives []packet.NodeID
		ok      bool
	}{
		{[]packet.NodeID{3, 1, 2}, true},
		{[]packet.NodeID{1, 2}, false},
		{[]packet.NodeID{1, 2, 2}, false},
		{[]packet.NodeID{1, 2, 9}, false},
	} {
		got, err := c.validate(tc.actives)
		if tc.ok != (err == nil) {
			t.Fatalf("validate(%v) = %v", tc.actives, err)
		}
		if err != nil && !errors.Is(err, ErrBadReplicaSet) {
			t.Fatalf("validate(%v) = %v", tc.actives, err)
		}
		if tc.ok && fmt.Sprint(got) != "[1 2 3]" {
			t.Fatalf("validate(%v) = %v", tc.actives, got)
		}
	}
}

func TestAddRecordPicksLeastLoaded(t *testing.T) {
	c, rec := newController(t)
	for id, l := range map[packet.NodeID]float64{1: 0.9, 2: 0.1, 3: 0.2, 4: 0.3} {
		c.HandlePacket(&packet.NameServerLoad{Sender: id, Load: l})
	}
	name := ownedName(t, c)
	if err := c.AddRecord(&packet.AddRecord{Name: name, RequestID: 1, ClientID: 1}); err != nil {
		t.Fatal(err)
	}
	if got := destsOf(rec.take(), packet.TypeActiveAdd); fmt.Sprint(got) != "[2 3 4]" {
		t.Fatalf("added on %v", got)
	}
	if err := c.AddRecord(&packet.AddRecord{Name: name, Actives: []packet.NodeID{1, 2, 3}}); !errors.Is(err, ErrChangeInProgress) {
		t.Fatalf("second add: %v", err)
	}
}

func TestGroupChangeWalksStates(t *testing.T) {
	c, rec := newController(t)
	name := ownedName(t, c)
	addGroup(t, c, rec, name, 1, 2, 3)

	changeID, err := c.ProposeGroupChange(name, []packet.NodeID{4, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := destsOf(rec.take(), packet.TypeNewActivePropose); fmt.Sprint(got) != "[1 2 3 4]" {
		t.Fatalf("propose sent to %v", got)
	}
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{1, 2, 4}); !errors.Is(err, ErrChangeInProgress) {
		t.Fatalf("concurrent change: %v", err)
	}

	// a frozen report for another change is ignored
	c.HandlePacket(&packet.OldActiveFrozen{Name: name, ChangeID: "other", Sender: 1})
	if g, _ := c.Group(name); g.State != PROPOSED {
		t.Fatalf("state %v", g.State)
	}
	c.HandlePacket(&packet.OldActiveFrozen{Name: name, ChangeID: changeID, Sender: 2})
	if g, _ := c.Group(name); g.State != NEW_SET_STARTING {
		t.Fatalf("state %v", g.State)
	}
	if got := destsOf(rec.take(), packet.TypeNewActiveStart); fmt.Sprint(got) != "[2 3 4]" {
		t.Fatalf("start sent to %v", got)
	}

	for _, id := range []packet.NodeID{2, 3} {
		c.HandlePacket(&packet.NewActiveStartConfirm{Name: name, ChangeID: changeID, Sender: id})
	}
	if g, _ := c.Group(name); g.State != NEW_SET_STARTING {
		t.Fatalf("advanced before every new active started: %v", g.State)
	}
	c.HandlePacket(&packet.NewActiveStartConfirm{Name: name, ChangeID: changeID, Sender: 4})
	if got := destsOf(rec.take(), packet.TypeOldActiveStop); fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("stop sent to %v", got)
	}

	for _, id := range []packet.NodeID{1, 2, 3} {
		if g, _ := c.Group(name); g.Version != 0 {
			t.Fatalf("version bumped before confirm from %d", id)
		}
		c.HandlePacket(&packet.OldActiveStopConfirm{Name: name, ChangeID: changeID, Sender: id})
	}
	g, _ := c.Group(name)
	if g.Version != 1 || g.State != STABLE || fmt.Sprint(g.Actives) != "[2 3 4]" {
		t.Fatalf("group %+v", g)
	}
	if got := destsOf(rec.take(), packet.TypeGroupChangeComplete); fmt.Sprint(got) != "[2 3 4]" {
		t.Fatalf("complete sent to %v", got)
	}
}

func TestStalledChangeIsAbandoned(t *testing.T) {
	c, rec := newController(t)
	name := ownedName(t, c)
	addGroup(t, c, rec, name, 1, 2, 3)
	changeID, err := c.ProposeGroupChange(name, []packet.NodeID{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	rec.take()

	now := time.Now().Add(2 * time.Second)
	c.retry(now)
	if got := destsOf(rec.take(), packet.TypeNewActivePropose); fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("retry sent to %v", got)
	}
	c.retry(now.Add(2 * time.Second))
	if got := destsOf(rec.take(), packet.TypeGroupChangeAbort); fmt.Sprint(got) != "[1 2 3 4]" {
		t.Fatalf("abort sent to %v", got)
	}
	g, _ := c.Group(name)
	if g.Version != 0 || g.State != STABLE || fmt.Sprint(g.Actives) != "[1 2 3]" {
		t.Fatalf("group %+v", g)
	}
	if c.Stats().Get(statAbandoned) != 1 {
		t.Fatal("abandoned change not counted")
	}
	// late confirmations of the dead change are ignored
	c.HandlePacket(&packet.OldActiveFrozen{Name: name, ChangeID: changeID, Sender: 1})
	if g, _ := c.Group(name); g.State != STABLE {
		t.Fatalf("state %v", g.State)
	}

	// no new change until every node confirmed the rollback
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{1, 2, 4}); !errors.Is(err, ErrChangeInProgress) {
		t.Fatalf("change during rollback: %v", err)
	}
	for _, id := range []packet.NodeID{1, 4} {
		c.HandlePacket(&packet.GroupChangeAbortConfirm{Name: name, ChangeID: changeID, Sender: id})
	}
	c.HandlePacket(&packet.GroupChangeAbortConfirm{Name: name, ChangeID: "other", Sender: 2})
	c.retry(now.Add(10 * time.Second))
	if got := destsOf(rec.take(), packet.TypeGroupChangeAbort); fmt.Sprint(got) != "[2 3]" {
		t.Fatalf("abort resent to %v", got)
	}
	for _, id := range []packet.NodeID{2, 3} {
		c.HandlePacket(&packet.GroupChangeAbortConfirm{Name: name, ChangeID: changeID, Sender: id})
	}
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{1, 2, 4}); err != nil {
		t.Fatalf("change after rollback: %v", err)
	}
}

func TestUnconfirmedRollbackGivesUp(t *testing.T) {
	c, rec := newController(t)
	name := ownedName(t, c)
	addGroup(t, c, rec, name, 1, 2, 3)
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 1; i <= 4; i++ {
		c.retry(now.Add(time.Duration(i) * 10 * time.Second))
	}
	out := rec.take()
	// abandon, one resend, then nothing
	if got := destsOf(out, packet.TypeGroupChangeAbort); len(got) != 8 {
		t.Fatalf("abort sent to %v", got)
	}
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{1, 2, 4}); err != nil {
		t.Fatalf("change after giving up: %v", err)
	}
}

func TestNonPrimaryForwards(t *testing.T) {
	c, rec := newController(t)
	var name string
	for i := 0; ; i++ {
		name = fmt.Sprintf("other%d", i)
		if !c.isPrimary(name) {
			break
		}
	}
	c.HandlePacket(&packet.RequestActives{Name: name, QueryID: 3, Sender: 2})
	out := rec.take()
	if len(out) != 1 || out[0].dest != c.ctx.Directory.Primary(name) {
		t.Fatalf("forwarded %v", out)
	}
	if _, err := c.ProposeGroupChange(name, []packet.NodeID{1, 2, 3}); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("change at non-primary: %v", err)
	}
}
