package paxos

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gnspaxos/config"
	"gnspaxos/nodeconfig"
	"gnspaxos/packet"
	"gnspaxos/process"

	"github.com/hashicorp/go-hclog"
)

const clientID packet.NodeID = 100

type testApp struct {
	mu       sync.Mutex
	applied  map[string][]packet.RequestValue
	state    map[string]string
	restored int
}

func newTestApp() *testApp {
	return &testApp{applied: make(map[string][]packet.RequestValue), state: make(map[string]string)}
}

func (a *testApp) HandleDecision(paxosID string, slot int64, req packet.RequestValue) (string, packet.ResponseCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied[paxosID] = append(a.applied[paxosID], req)
	if !req.Stop && !req.Resume {
		a.state[paxosID] += req.Value
	}
	return a.state[paxosID], packet.NoError
}

func (a *testApp) GetState(paxosID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[paxosID], nil
}

func (a *testApp) UpdateState(paxosID string, state string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[paxosID] = state
	a.restored++
	return nil
}

func (a *testApp) values(paxosID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var vals []string
	for _, r := range a.applied[paxosID] {
		vals = append(vals, r.Value)
	}
	return vals
}

func (a *testApp) restoredCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restored
}

func (a *testApp) stateOf(paxosID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[paxosID]
}

type testNode struct {
	id  packet.NodeID
	ctx *process.Context
	m   *Manager
	app *testApp
}

// cluster connects managers through an in-memory network that encodes
// every packet like the wire would.
type cluster struct {
	t       *testing.T
	cfg     *config.Config
	mu      sync.Mutex
	nodes   map[packet.NodeID]*testNode
	down    map[packet.NodeID]bool
	drop    func(from, to packet.NodeID, p packet.Packet) bool
	replies chan *packet.CommandReturnValue
}

type nodeSender struct {
	c    *cluster
	from packet.NodeID
}

func (s nodeSender) SendPacket(dest packet.NodeID, p packet.Packet) bool {
	return s.c.deliver(s.from, dest, p)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.PaxosLogFolder = t.TempDir()
	cfg.Durable = false
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.PingInterval = 40 * time.Millisecond
	cfg.FailureDetectionTimeout = 300 * time.Millisecond
	cfg.StatsInterval = time.Second
	cfg.Workers = 4
	cfg.QueueSize = 1000
	return cfg
}

func newCluster(t *testing.T, cfg *config.Config, ids ...packet.NodeID) *cluster {
	c := &cluster{
		t:       t,
		cfg:     cfg,
		nodes:   make(map[packet.NodeID]*testNode),
		down:    make(map[packet.NodeID]bool),
		replies: make(chan *packet.CommandReturnValue, 1000),
	}
	for _, id := range ids {
		c.start(id)
	}
	t.Cleanup(func() {
		c.mu.Lock()
		nodes := c.nodes
		c.mu.Unlock()
		for _, n := range nodes {
			n.m.Close()
			n.ctx.Shutdown()
		}
	})
	return c
}

func (c *cluster) start(id packet.NodeID) *testNode {
	ctx, err := process.NewContext(id, c.cfg, nodeconfig.New(nil), hclog.NewNullLogger())
	if err != nil {
		c.t.Fatal(err)
	}
	ctx.Sender = nodeSender{c: c, from: id}
	app := newTestApp()
	m, err := NewManager(ctx, app)
	if err != nil {
		c.t.Fatal(err)
	}
	n := &testNode{id: id, ctx: ctx, m: m, app: app}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	m.Start()
	return n
}

func (c *cluster) node(id packet.NodeID) *testNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

func (c *cluster) setDown(id packet.NodeID, down bool) {
	c.mu.Lock()
	c.down[id] = down
	c.mu.Unlock()
}

func (c *cluster) deliver(from, to packet.NodeID, p packet.Packet) bool {
	c.mu.Lock()
	if c.down[from] || c.down[to] || (c.drop != nil && c.drop(from, to, p)) {
		c.mu.Unlock()
		return false
	}
	n := c.nodes[to]
	c.mu.Unlock()

	data, err := packet.Marshal(p)
	if err != nil {
		c.t.Errorf("marshal %v: %v", p.Type(), err)
		return false
	}
	q, err := packet.Unmarshal(data)
	if err != nil {
		c.t.Errorf("unmarshal %v: %v", p.Type(), err)
		return false
	}
	if r, ok := q.(*packet.CommandReturnValue); ok && to == clientID {
		c.replies <- r
		return true
	}
	if n == nil {
		return false
	}
	return n.ctx.Executor.Submit(func() { n.m.HandlePacket(q) })
}

func (c *cluster) createAll(paxosID string, members ...packet.NodeID) {
	for _, id := range members {
		if err := c.node(id).m.CreateInstance(paxosID, members); err != nil {
			c.t.Fatal(err)
		}
	}
}

func request(id uint32, value string) packet.RequestValue {
	return packet.RequestValue{
		Name:      "alice",
		Field:     "ip",
		Value:     value,
		Op:        packet.OpAppend,
		RequestID: id,
		ClientID:  clientID,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAllReplicasApplySameSequence(t *testing.T) {
	c := newCluster(t, testConfig(t), 1, 2, 3)
	const id = "alice:0"
	c.createAll(id, 1, 2, 3)

	const n = 30
	for i := 0; i < n; i++ {
		origin := packet.NodeID(i%3 + 1)
		if err := c.node(origin).m.Propose(id, request(uint32(i+1), fmt.Sprintf("v%d,", i))); err != nil {
			t.Fatal(err)
		}
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, fmt.Sprintf("node %d to apply %d values", nid, n), func() bool {
			return len(c.node(nid).app.values(id)) == n
		})
	}
	ref := c.node(1).app.values(id)
	for _, nid := range []packet.NodeID{2, 3} {
		if got := c.node(nid).app.values(id); !equalValues(ref, got) {
			t.Fatalf("node %d applied %v, node 1 applied %v", nid, got, ref)
		}
	}

	seen := make(map[uint32]bool)
	timeout := time.After(5 * time.Second)
	for len(seen) < n {
		select {
		case r := <-c.replies:
			if r.Code != packet.NoError {
				t.Fatalf("reply %+v", r)
			}
			seen[r.RequestID] = true
		case <-timeout:
			t.Fatalf("got %d of %d replies", len(seen), n)
		}
	}
}

func TestDecisionsApplyInSlotOrder(t *testing.T) {
	c := newCluster(t, testConfig(t), 1)
	c.setDown(2, true)
	c.setDown(3, true)
	const id = "bob:0"
	if err := c.node(1).m.CreateInstance(id, []packet.NodeID{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	m := c.node(1).m
	decide := func(slot int64, v packet.RequestValue) {
		m.HandlePacket(&packet.Decision{PaxosID: id, Sender: 2, Slot: slot, Value: v})
	}
	a, b, d := request(1, "a"), request(2, "b"), request(3, "c")
	a.Origin, b.Origin, d.Origin = 2, 2, 2

	decide(3, d)
	decide(2, b)
	if got := c.node(1).app.values(id); len(got) != 0 {
		t.Fatalf("applied %v across a gap", got)
	}
	decide(1, a)
	if got := c.node(1).app.values(id); !equalValues(got, []string{"a", "b", "c"}) {
		t.Fatalf("applied %v", got)
	}

	// redelivery changes nothing
	decide(2, b)
	decide(1, a)
	if got := c.node(1).app.stateOf(id); got != "abc" {
		t.Fatalf("state %q after redelivery", got)
	}
	if m.Applied(id) != 3 {
		t.Fatalf("applied slot %d", m.Applied(id))
	}
}

func TestRequestDecidedTwiceAppliesOnce(t *testing.T) {
	c := newCluster(t, testConfig(t), 1)
	const id = "carol:0"
	if err := c.node(1).m.CreateInstance(id, []packet.NodeID{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	m := c.node(1).m
	r := request(7, "x")
	r.Origin = 3
	m.HandlePacket(&packet.Decision{PaxosID: id, Sender: 2, Slot: 1, Value: r})
	m.HandlePacket(&packet.Decision{PaxosID: id, Sender: 2, Slot: 2, Value: r})
	if got := c.node(1).app.values(id); !equalValues(got, []string{"x"}) {
		t.Fatalf("applied %v", got)
	}
	if m.Applied(id) != 2 {
		t.Fatalf("applied slot %d", m.Applied(id))
	}
}

func TestCoordinatorFailover(t *testing.T) {
	c := newCluster(t, testConfig(t), 1, 2, 3)
	const id = "dave:0"
	c.createAll(id, 1, 2, 3)

	if err := c.node(1).m.Propose(id, request(1, "before,")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first value", func() bool { return len(c.node(3).app.values(id)) == 1 })

	c.setDown(1, true)
	if err := c.node(2).m.Propose(id, request(2, "after,")); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{2, 3} {
		nid := nid
		waitFor(t, "value after failover", func() bool {
			return c.node(nid).app.stateOf(id) == "before,after,"
		})
	}
	if coord, _ := c.node(3).m.Coordinator(id); coord != 2 {
		t.Fatalf("coordinator %d, want 2", coord)
	}
	time.Sleep(200 * time.Millisecond)
	if got := c.node(2).app.values(id); !equalValues(got, []string{"before,", "after,"}) {
		t.Fatalf("node 2 applied %v", got)
	}
}

func TestNackMakesCoordinatorStepDown(t *testing.T) {
	c := newCluster(t, testConfig(t), 1)
	const id = "erin:0"
	if err := c.node(1).m.CreateInstance(id, []packet.NodeID{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	m := c.node(1).m
	m.HandlePacket(&packet.AcceptReply{
		PaxosID:  id,
		Sender:   3,
		Ballot:   packet.Ballot{Number: 0, Coordinator: 1},
		Promised: packet.Ballot{Number: 4, Coordinator: 3},
		Slot:     1,
	})
	if coord, _ := m.Coordinator(id); coord != 3 {
		t.Fatalf("coordinator %d after nack", coord)
	}
	in, _ := m.instance(id)
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.active {
		t.Fatal("still coordinating after nack")
	}
}

func TestCheckpointAndRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointInterval = 5
	c := newCluster(t, cfg, 1)
	const id = "frank:0"
	if err := c.node(1).m.CreateInstance(id, []packet.NodeID{1}); err != nil {
		t.Fatal(err)
	}
	want := ""
	for i := 1; i <= 12; i++ {
		v := fmt.Sprintf("%d,", i)
		want += v
		if err := c.node(1).m.Propose(id, request(uint32(i), v)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "twelve slots", func() bool { return c.node(1).m.Applied(id) == 12 })

	cp, err := c.node(1).m.store.LoadCheckpoint(id)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint %v, %v", cp, err)
	}
	if cp.Slot != 10 || len(cp.Dedup) != 10 {
		t.Fatalf("checkpoint at slot %d with %d ids", cp.Slot, len(cp.Dedup))
	}

	old := c.node(1)
	old.m.Close()
	old.ctx.Shutdown()
	n := c.start(1)
	if err := n.m.CreateInstance(id, []packet.NodeID{1}); err != nil {
		t.Fatal(err)
	}
	if got := n.app.restoredCount(); got != 1 {
		t.Fatalf("state restored %d times", got)
	}
	waitFor(t, "recovered instance to re-decide logged slots", func() bool {
		return n.m.Applied(id) == 12
	})
	if got := n.app.stateOf(id); got != want {
		t.Fatalf("state %q, want %q", got, want)
	}
}

func TestStopFreezesAdmission(t *testing.T) {
	c := newCluster(t, testConfig(t), 1, 2, 3)
	const id = "gina:0"
	c.createAll(id, 1, 2, 3)

	stop := packet.RequestValue{Name: "gina", Value: "change-1", RequestID: 99, ClientID: clientID, Stop: true}
	if err := c.node(2).m.Propose(id, stop); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, "stop", func() bool { return c.node(nid).m.IsStopped(id) })
	}
	if err := c.node(3).m.Propose(id, request(1, "late")); err != ErrStopped {
		t.Fatalf("propose after stop: %v", err)
	}
}

func TestResumeIsDecidedEverywhere(t *testing.T) {
	c := newCluster(t, testConfig(t), 1, 2, 3)
	const id = "gina:0"
	c.createAll(id, 1, 2, 3)

	stop := packet.RequestValue{Name: "gina", Value: "change-1", RequestID: 99, ClientID: clientID, Stop: true}
	if err := c.node(2).m.Propose(id, stop); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, "stop", func() bool { return c.node(nid).m.IsStopped(id) })
	}

	// only node 1 asks to resume; nodes 2 and 3 learn it from the log
	resume := packet.RequestValue{Name: "gina", Value: "change-1", RequestID: 100, ClientID: clientID, Resume: true}
	if err := c.node(1).m.Propose(id, resume); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, "resume", func() bool { return !c.node(nid).m.IsStopped(id) })
	}
	if err := c.node(1).m.Propose(id, request(1, "after")); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, "value after resume", func() bool { return c.node(nid).m.Applied(id) == 3 })
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		if got := c.node(nid).app.stateOf(id); got != "after" {
			t.Fatalf("node %d state %q", nid, got)
		}
	}

	// a stop for the resumed change arriving late is skipped on every node
	stale := stop
	stale.RequestID = 101
	if err := c.node(3).m.Propose(id, stale); err != nil {
		t.Fatal(err)
	}
	for _, nid := range []packet.NodeID{1, 2, 3} {
		nid := nid
		waitFor(t, "stale stop", func() bool { return c.node(nid).m.Applied(id) == 4 })
		if c.node(nid).m.IsStopped(id) {
			t.Fatalf("node %d stopped by a resumed change", nid)
		}
	}
}

func TestRestoredCheckpointAnswersBufferedRequests(t *testing.T) {
	c := newCluster(t, testConfig(t), 2)
	const id = "hugo:0"
	n := c.node(2)
	if err := n.m.CreateInstance(id, []packet.NodeID{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	in, _ := n.m.instance(id)

	req := request(7, "x")
	req.Origin = 2
	var out outbox
	in.mu.Lock()
	in.learn(5, req, &out)
	in.handleSyncReply(&packet.SyncReply{
		PaxosID:    id,
		Sender:     1,
		Checkpoint: &packet.Checkpoint{Slot: 4, State: "abcd"},
	}, &out)
	applied := in.applied
	in.mu.Unlock()

	if applied != 5 {
		t.Fatalf("applied %d", applied)
	}
	var answered bool
	for _, msg := range out {
		if r, ok := msg.p.(*packet.CommandReturnValue); ok && msg.dest == clientID && r.RequestID == 7 {
			answered = r.Code == packet.NoError && r.ReturnValue == "abcdx"
		}
	}
	if !answered {
		t.Fatalf("request decided after the checkpoint was not answered: %v", out)
	}
}

func TestDeleteInstanceRemovesFiles(t *testing.T) {
	c := newCluster(t, testConfig(t), 1)
	const id = "hank:0"
	m := c.node(1).m
	if err := m.CreateInstance(id, []packet.NodeID{1}); err != nil {
		t.Fatal(err)
	}
	m.DeleteInstance(id)
	if m.HasInstance(id) {
		t.Fatal("instance survived delete")
	}
	files, _ := filepath.Glob(filepath.Join(m.store.Dir(), "*"))
	if len(files) != 0 {
		t.Fatalf("left %v", files)
	}
	if err := m.Propose(id, request(1, "x")); err == nil {
		t.Fatal("propose to deleted instance succeeded")
	}
	if _, err := os.Stat(m.store.Dir()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateInstanceRequiresMembership(t *testing.T) {
	c := newCluster(t, testConfig(t), 1)
	if err := c.node(1).m.CreateInstance("ivy:0", []packet.NodeID{2, 3}); err == nil {
		t.Fatal("created instance without membership")
	}
}

func TestPaxosID(t *testing.T) {
	id := PaxosID("a:b", 3)
	name, v, err := ParsePaxosID(id)
	if err != nil || name != "a:b" || v != 3 {
		t.Fatalf("%q -> %q %d %v", id, name, v, err)
	}
	for _, bad := range []string{"nocolon", "x:y"} {
		if _, _, err := ParsePaxosID(bad); err == nil {
			t.Fatalf("%q parsed", bad)
		}
	}
}

func TestFailureDetector(t *testing.T) {
	fd := NewFailureDetector(time.Second)
	now := time.Unix(1000, 0)
	fd.started = now
	fd.now = func() time.Time { return now }
	if fd.Suspect(2) {
		t.Fatal("suspected before timeout")
	}
	now = now.Add(2 * time.Second)
	if !fd.Suspect(2) {
		t.Fatal("silent peer not suspected")
	}
	fd.Heard(2)
	if !fd.Alive(2) {
		t.Fatal("peer not alive after contact")
	}
}
