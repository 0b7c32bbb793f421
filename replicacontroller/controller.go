// Package replicacontroller keeps the replica group of every name whose
// primary is this node and drives group changes through the hand-off
// protocol.
package replicacontroller

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gnspaxos/packet"
	"gnspaxos/process"
	"gnspaxos/quorum"
	"gnspaxos/stats"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var (
	ErrChangeInProgress = errors.New("replica group change in progress")
	ErrUnknownName      = errors.New("unknown name")
	ErrBadReplicaSet    = errors.New("bad replica set")
	ErrNameExists       = errors.New("name exists")
	ErrNotPrimary       = errors.New("not the primary of name")
)

const (
	statStarted   = "Changes Started"
	statCompleted = "Changes Completed"
	statAbandoned = "Changes Abandoned"
)

type State int

const (
	STABLE State = iota
	PROPOSED
	NEW_SET_STARTING
	OLD_SET_STOPPING
)

func (s State) String() string {
	switch s {
	case STABLE:
		return "STABLE"
	case PROPOSED:
		return "PROPOSED"
	case NEW_SET_STARTING:
		return "NEW_SET_STARTING"
	case OLD_SET_STOPPING:
		return "OLD_SET_STOPPING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type ReplicaGroup struct {
	Name    string
	Actives []packet.NodeID
	Version int
	State   State
}

// step tracks the confirmations one protocol step is waiting for.
type step struct {
	waiting  *quorum.CountingQuorumTally
	retries  int
	deadline time.Time
}

type change struct {
	packet.GroupChange
	state State
	step
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

// recordOp is an add or remove waiting for every active to confirm.
type recordOp struct {
	kind      opKind
	name      string
	version   int
	actives   []packet.NodeID
	initial   map[string]string
	requestID uint32
	clientID  packet.NodeID
	step
}

type Controller struct {
	ctx   *process.Context
	log   hclog.Logger
	stats *stats.TimeseriesStats

	mu      sync.Mutex
	groups  map[string]*ReplicaGroup
	changes map[string]*change
	aborts  map[string]*change // rolled back, waiting for every node to confirm
	ops     map[string]*recordOp
	loads   map[packet.NodeID]float64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(ctx *process.Context) *Controller {
	log := ctx.Named("replicacontroller")
	return &Controller{
		ctx:     ctx,
		log:     log,
		stats:   stats.TimeseriesStatsNew([]string{statStarted, statCompleted, statAbandoned}, log, ctx.Config.StatsInterval),
		groups:  make(map[string]*ReplicaGroup),
		changes: make(map[string]*change),
		aborts:  make(map[string]*change),
		ops:     make(map[string]*recordOp),
		loads:   make(map[packet.NodeID]float64),
		done:    make(chan struct{}),
	}
}

func (c *Controller) Types() []packet.Type {
	return []packet.Type{
		packet.TypeProposeGroupChange, packet.TypeOldActiveFrozen,
		packet.TypeNewActiveStartConfirm, packet.TypeOldActiveStopConfirm,
		packet.TypeGroupChangeAbortConfirm,
		packet.TypeAddRecord, packet.TypeRemoveRecord,
		packet.TypeActiveAddConfirm, packet.TypeActiveRemoveConfirm,
		packet.TypeRequestActives, packet.TypeNameServerLoad,
	}
}

// Start runs the step retry loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.ctx.Config.ReconfigStepTimeout / 2)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				c.retry(now)
			case <-c.done:
				return
			}
		}
	}()
	c.stats.GoClock(func() { c.stats.PrintAndReset() })
}

func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.stats.Close()
	})
}

func (c *Controller) Stats() *stats.TimeseriesStats {
	return c.stats
}

func (c *Controller) isPrimary(name string) bool {
	return c.ctx.Directory.Primary(name) == c.ctx.ID
}

func (c *Controller) HandlePacket(p packet.Packet) {
	switch msg := p.(type) {
	case *packet.ProposeGroupChange:
		if !c.isPrimary(msg.Name) {
			c.ctx.Send(c.ctx.Directory.Primary(msg.Name), msg)
			return
		}
		if _, err := c.ProposeGroupChange(msg.Name, msg.NewActives); err != nil {
			c.log.Warn("group change refused", "name", msg.Name, "actives", msg.NewActives, "error", err)
		}
	case *packet.OldActiveFrozen:
		c.handleFrozen(msg)
	case *packet.NewActiveStartConfirm:
		c.handleStartConfirm(msg)
	case *packet.OldActiveStopConfirm:
		c.handleStopConfirm(msg)
	case *packet.GroupChangeAbortConfirm:
		c.handleAbortConfirm(msg)
	case *packet.AddRecord:
		if !c.isPrimary(msg.Name) {
			c.ctx.Send(c.ctx.Directory.Primary(msg.Name), msg)
			return
		}
		if err := c.AddRecord(msg); err != nil {
			c.log.Warn("add record refused", "name", msg.Name, "error", err)
			c.reply(msg.ClientID, msg.RequestID, codeFor(err))
		}
	case *packet.RemoveRecord:
		if !c.isPrimary(msg.Name) {
			c.ctx.Send(c.ctx.Directory.Primary(msg.Name), msg)
			return
		}
		if err := c.RemoveRecord(msg); err != nil {
			c.log.Warn("remove record refused", "name", msg.Name, "error", err)
			c.reply(msg.ClientID, msg.RequestID, codeFor(err))
		}
	case *packet.ActiveAddConfirm:
		c.handleOpConfirm(msg.Name, opAdd, msg.Sender)
	case *packet.ActiveRemoveConfirm:
		c.handleOpConfirm(msg.Name, opRemove, msg.Sender)
	case *packet.RequestActives:
		c.handleRequestActives(msg)
	case *packet.NameServerLoad:
		c.mu.Lock()
		c.loads[msg.Sender] = msg.Load
		c.mu.Unlock()
	default:
		c.log.Warn("unexpected packet", "type", p.Type())
	}
}

func codeFor(err error) packet.ResponseCode {
	switch {
	case errors.Is(err, ErrUnknownName):
		return packet.NoSuchName
	case errors.Is(err, ErrNotPrimary):
		return packet.NotActive
	}
	return packet.Failure
}

func (c *Controller) reply(clientID packet.NodeID, requestID uint32, code packet.ResponseCode) {
	c.ctx.Send(clientID, &packet.CommandReturnValue{RequestID: requestID, Code: code, Responder: c.ctx.ID})
}

// Group returns a copy of name's replica group.
func (c *Controller) Group(name string) (ReplicaGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return ReplicaGroup{}, false
	}
	cp := *g
	cp.Actives = append([]packet.NodeID(nil), g.Actives...)
	return cp, true
}

func nodeSet(ids ...[]packet.NodeID) *treeset.Set {
	set := treeset.NewWith(packet.NodeIDComparator)
	for _, list := range ids {
		for _, id := range list {
			set.Add(id)
		}
	}
	return set
}

func setValues(set *treeset.Set) []packet.NodeID {
	out := make([]packet.NodeID, 0, set.Size())
	for _, v := range set.Values() {
		out = append(out, v.(packet.NodeID))
	}
	return out
}

// validate normalises a replica set and checks it against the bounds.
func (c *Controller) validate(actives []packet.NodeID) ([]packet.NodeID, error) {
	set := nodeSet(actives)
	if set.Size() != len(actives) {
		return nil, fmt.Errorf("%w: duplicate members %v", ErrBadReplicaSet, actives)
	}
	cfg := c.ctx.Config
	if set.Size() < cfg.MinReplica || set.Size() > cfg.MaxReplica {
		return nil, fmt.Errorf("%w: %d members, want [%d, %d]", ErrBadReplicaSet, set.Size(), cfg.MinReplica, cfg.MaxReplica)
	}
	for _, id := range actives {
		if !c.ctx.Directory.Contains(id) {
			return nil, fmt.Errorf("%w: unknown node %d", ErrBadReplicaSet, id)
		}
	}
	return setValues(set), nil
}

// leastLoaded picks MinReplica nodes by reported load, lowest id first
// among equals.
func (c *Controller) leastLoaded() []packet.NodeID {
	ids := c.ctx.Directory.NodeIDs()
	sort.SliceStable(ids, func(i, j int) bool { return c.loads[ids[i]] < c.loads[ids[j]] })
	if len(ids) > c.ctx.Config.MinReplica {
		ids = ids[:c.ctx.Config.MinReplica]
	}
	return ids
}

func (c *Controller) Loads() map[packet.NodeID]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[packet.NodeID]float64, len(c.loads))
	for k, v := range c.loads {
		out[k] = v
	}
	return out
}

func (c *Controller) newStep(members []packet.NodeID, threshold int) step {
	return step{
		waiting: &quorum.CountingQuorumTally{
			ResponseHolder: quorum.NewResponseHolder(),
			Threshold:      threshold,
			Can:            append([]packet.NodeID(nil), members...),
		},
		deadline: time.Now().Add(c.ctx.Config.ReconfigStepTimeout),
	}
}

// AddRecord creates name on its actives. Without actives the least loaded
// nodes are chosen. The client is answered once every active confirmed.
func (c *Controller) AddRecord(req *packet.AddRecord) error {
	if !c.isPrimary(req.Name) {
		return fmt.Errorf("%w: %s", ErrNotPrimary, req.Name)
	}
	c.mu.Lock()
	actives := req.Actives
	if len(actives) == 0 {
		actives = c.leastLoaded()
	}
	actives, err := c.validate(actives)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if _, ok := c.groups[req.Name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameExists, req.Name)
	}
	if _, ok := c.ops[req.Name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChangeInProgress, req.Name)
	}
	op := &recordOp{
		kind:      opAdd,
		name:      req.Name,
		actives:   actives,
		initial:   req.Initial,
		requestID: req.RequestID,
		clientID:  req.ClientID,
		step:      c.newStep(actives, len(actives)),
	}
	c.ops[req.Name] = op
	c.mu.Unlock()

	c.log.Info("adding record", "name", req.Name, "actives", actives)
	c.sendOp(op, actives)
	return nil
}

// RemoveRecord deletes name from every active.
func (c *Controller) RemoveRecord(req *packet.RemoveRecord) error {
	if !c.isPrimary(req.Name) {
		return fmt.Errorf("%w: %s", ErrNotPrimary, req.Name)
	}
	c.mu.Lock()
	g, ok := c.groups[req.Name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownName, req.Name)
	}
	if c.busy(req.Name) || g.State != STABLE {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChangeInProgress, req.Name)
	}
	op := &recordOp{
		kind:      opRemove,
		name:      req.Name,
		version:   g.Version,
		actives:   append([]packet.NodeID(nil), g.Actives...),
		requestID: req.RequestID,
		clientID:  req.ClientID,
		step:      c.newStep(g.Actives, len(g.Actives)),
	}
	c.ops[req.Name] = op
	c.mu.Unlock()

	c.log.Info("removing record", "name", req.Name)
	c.sendOp(op, op.actives)
	return nil
}

func (c *Controller) sendOp(op *recordOp, to []packet.NodeID) {
	for _, id := range to {
		if op.kind == opAdd {
			c.ctx.Send(id, &packet.ActiveAdd{Name: op.name, Version: 0, Actives: op.actives, Initial: op.initial, Primary: c.ctx.ID})
		} else {
			c.ctx.Send(id, &packet.ActiveRemove{Name: op.name, Version: op.version, Primary: c.ctx.ID})
		}
	}
}

func (c *Controller) handleOpConfirm(name string, kind opKind, sender packet.NodeID) {
	c.mu.Lock()
	op, ok := c.ops[name]
	if !ok || op.kind != kind {
		c.mu.Unlock()
		return
	}
	op.waiting.Add(sender)
	if !op.waiting.Reached() {
		c.mu.Unlock()
		return
	}
	delete(c.ops, name)
	if kind == opAdd {
		c.groups[name] = &ReplicaGroup{Name: name, Actives: op.actives, Version: 0, State: STABLE}
	} else {
		delete(c.groups, name)
	}
	c.mu.Unlock()

	c.log.Info("record operation complete", "name", name, "add", kind == opAdd)
	c.reply(op.clientID, op.requestID, packet.NoError)
}

func (c *Controller) handleRequestActives(msg *packet.RequestActives) {
	if !c.isPrimary(msg.Name) {
		c.ctx.Send(c.ctx.Directory.Primary(msg.Name), msg)
		return
	}
	reply := &packet.RequestActivesReply{Name: msg.Name, QueryID: msg.QueryID}
	if g, ok := c.Group(msg.Name); ok {
		reply.Actives = g.Actives
		reply.Version = g.Version
	} else {
		reply.Code = packet.NoSuchName
	}
	c.ctx.Send(msg.Sender, reply)
}

// ProposeGroupChange starts moving name to newActives and returns the
// change id.
func (c *Controller) ProposeGroupChange(name string, newActives []packet.NodeID) (string, error) {
	if !c.isPrimary(name) {
		return "", fmt.Errorf("%w: %s", ErrNotPrimary, name)
	}
	next, err := c.validate(newActives)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	g, ok := c.groups[name]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	if c.busy(name) || g.State != STABLE {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %v", ErrChangeInProgress, name, g.State)
	}
	if nodeSet(g.Actives).Contains(toIface(next)...) && len(next) == len(g.Actives) {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %v is the current set", ErrBadReplicaSet, next)
	}
	ch := &change{
		GroupChange: packet.GroupChange{
			Name:       name,
			ChangeID:   uuid.New().String(),
			Version:    g.Version,
			OldActives: append([]packet.NodeID(nil), g.Actives...),
			NewActives: next,
			Primary:    c.ctx.ID,
		},
		state: PROPOSED,
		// one frozen old active is enough: the stop is decided in the log
		step: c.newStep(g.Actives, 1),
	}
	g.State = PROPOSED
	c.changes[name] = ch
	c.mu.Unlock()

	c.stats.Update(statStarted, 1)
	c.log.Info("group change proposed", "name", name, "version", ch.Version,
		"old", ch.OldActives, "new", ch.NewActives, "changeID", ch.ChangeID)
	for _, id := range setValues(nodeSet(ch.OldActives, ch.NewActives)) {
		c.ctx.Send(id, &packet.NewActivePropose{GroupChange: ch.GroupChange})
	}
	return ch.ChangeID, nil
}

// busy reports a pending record operation or an unconfirmed abort. Caller
// holds mu.
func (c *Controller) busy(name string) bool {
	_, op := c.ops[name]
	_, abort := c.aborts[name]
	return op || abort
}

func toIface(ids []packet.NodeID) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// current returns the change with changeID in state s.
func (c *Controller) current(name, changeID string, s State) (*change, bool) {
	ch, ok := c.changes[name]
	if !ok || ch.ChangeID != changeID || ch.state != s {
		return nil, false
	}
	return ch, true
}

func (c *Controller) handleFrozen(msg *packet.OldActiveFrozen) {
	c.mu.Lock()
	ch, ok := c.current(msg.Name, msg.ChangeID, PROPOSED)
	if !ok {
		c.mu.Unlock()
		return
	}
	ch.waiting.Add(msg.Sender)
	if !ch.waiting.Reached() {
		c.mu.Unlock()
		return
	}
	c.advance(ch, NEW_SET_STARTING, ch.NewActives, len(ch.NewActives))
	gc := ch.GroupChange
	c.mu.Unlock()

	c.log.Debug("old group frozen, starting new actives", "name", gc.Name, "by", msg.Sender)
	for _, id := range gc.NewActives {
		c.ctx.Send(id, &packet.NewActiveStart{GroupChange: gc})
	}
}

func (c *Controller) handleStartConfirm(msg *packet.NewActiveStartConfirm) {
	c.mu.Lock()
	ch, ok := c.current(msg.Name, msg.ChangeID, NEW_SET_STARTING)
	if !ok {
		c.mu.Unlock()
		return
	}
	ch.waiting.Add(msg.Sender)
	if !ch.waiting.Reached() {
		c.mu.Unlock()
		return
	}
	c.advance(ch, OLD_SET_STOPPING, ch.OldActives, len(ch.OldActives))
	gc := ch.GroupChange
	c.mu.Unlock()

	c.log.Debug("new actives started, stopping old", "name", gc.Name)
	for _, id := range gc.OldActives {
		c.ctx.Send(id, &packet.OldActiveStop{GroupChange: gc})
	}
}

func (c *Controller) handleStopConfirm(msg *packet.OldActiveStopConfirm) {
	c.mu.Lock()
	ch, ok := c.current(msg.Name, msg.ChangeID, OLD_SET_STOPPING)
	if !ok {
		c.mu.Unlock()
		return
	}
	ch.waiting.Add(msg.Sender)
	if !ch.waiting.Reached() {
		c.mu.Unlock()
		return
	}
	g := c.groups[ch.Name]
	g.Version = ch.Version + 1
	g.Actives = append([]packet.NodeID(nil), ch.NewActives...)
	g.State = STABLE
	delete(c.changes, ch.Name)
	done := &packet.GroupChangeComplete{Name: g.Name, Version: g.Version, Actives: g.Actives, ChangeID: ch.ChangeID}
	c.mu.Unlock()

	c.stats.Update(statCompleted, 1)
	c.log.Info("group change complete", "name", done.Name, "version", done.Version, "actives", done.Actives)
	for _, id := range done.Actives {
		c.ctx.Send(id, done)
	}
}

func (c *Controller) handleAbortConfirm(msg *packet.GroupChangeAbortConfirm) {
	c.mu.Lock()
	ch, ok := c.aborts[msg.Name]
	if !ok || ch.ChangeID != msg.ChangeID {
		c.mu.Unlock()
		return
	}
	ch.waiting.Add(msg.Sender)
	if !ch.waiting.Reached() {
		c.mu.Unlock()
		return
	}
	delete(c.aborts, msg.Name)
	c.mu.Unlock()

	c.log.Info("group change rolled back", "name", msg.Name, "changeID", msg.ChangeID)
}

// advance moves ch to s, waiting for threshold of members. Caller holds mu.
func (c *Controller) advance(ch *change, s State, members []packet.NodeID, threshold int) {
	ch.state = s
	ch.step = c.newStep(members, threshold)
	c.groups[ch.Name].State = s
}

// retry re-sends the current step of every change, abort and record
// operation whose deadline passed, abandoning those out of retries.
func (c *Controller) retry(now time.Time) {
	type resend struct {
		dest packet.NodeID
		p    packet.Packet
	}
	var out []resend
	var abandoned []*change
	var failedOps []*recordOp

	c.mu.Lock()
	limit := c.ctx.Config.ReconfigMaxRetries
	for name, ch := range c.changes {
		if now.Before(ch.deadline) {
			continue
		}
		if ch.retries >= limit {
			delete(c.changes, name)
			c.groups[name].State = STABLE
			if ch.state != OLD_SET_STOPPING {
				all := setValues(nodeSet(ch.OldActives, ch.NewActives))
				ch.step = c.newStep(all, len(all))
				c.aborts[name] = ch
			}
			abandoned = append(abandoned, ch)
			continue
		}
		ch.retries++
		ch.deadline = now.Add(c.ctx.Config.ReconfigStepTimeout)
		for _, id := range ch.waiting.Missing() {
			var p packet.Packet
			switch ch.state {
			case PROPOSED:
				p = &packet.NewActivePropose{GroupChange: ch.GroupChange}
			case NEW_SET_STARTING:
				p = &packet.NewActiveStart{GroupChange: ch.GroupChange}
			case OLD_SET_STOPPING:
				p = &packet.OldActiveStop{GroupChange: ch.GroupChange}
			}
			out = append(out, resend{id, p})
		}
	}
	for name, ch := range c.aborts {
		if now.Before(ch.deadline) {
			continue
		}
		if ch.retries >= limit {
			delete(c.aborts, name)
			c.log.Error("group change rollback unconfirmed", "name", name,
				"changeID", ch.ChangeID, "missing", ch.waiting.Missing())
			continue
		}
		ch.retries++
		ch.deadline = now.Add(c.ctx.Config.ReconfigStepTimeout)
		for _, id := range ch.waiting.Missing() {
			out = append(out, resend{id, &packet.GroupChangeAbort{GroupChange: ch.GroupChange}})
		}
	}
	for name, op := range c.ops {
		if now.Before(op.deadline) {
			continue
		}
		if op.retries >= limit {
			delete(c.ops, name)
			failedOps = append(failedOps, op)
			continue
		}
		op.retries++
		op.deadline = now.Add(c.ctx.Config.ReconfigStepTimeout)
		c.sendOp(op, op.waiting.Missing())
	}
	c.mu.Unlock()

	for _, r := range out {
		c.ctx.Send(r.dest, r.p)
	}
	for _, ch := range abandoned {
		c.abandon(ch)
	}
	for _, op := range failedOps {
		c.log.Error("record operation abandoned", "name", op.name, "add", op.kind == opAdd, "missing", op.waiting.Missing())
		if op.kind == opAdd {
			for _, id := range op.actives {
				c.ctx.Send(id, &packet.ActiveRemove{Name: op.name, Version: 0, Primary: c.ctx.ID})
			}
		}
		c.reply(op.clientID, op.requestID, packet.Timeout)
	}
}

// abandon gives up a change. Until an old active has been told to delete
// its state the change is rolled back on every node, and retried until each
// confirms; after that point new actives hold the only copy and are left
// running.
func (c *Controller) abandon(ch *change) {
	c.stats.Update(statAbandoned, 1)
	c.log.Error("reconfiguration stalled, change abandoned",
		"name", ch.Name, "version", ch.Version, "state", ch.state,
		"missing", ch.waiting.Missing(), "changeID", ch.ChangeID)
	if ch.state == OLD_SET_STOPPING {
		return
	}
	abort := &packet.GroupChangeAbort{GroupChange: ch.GroupChange}
	for _, id := range setValues(nodeSet(ch.OldActives, ch.NewActives)) {
		c.ctx.Send(id, abort)
	}
}
