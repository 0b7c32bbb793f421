package paxos

import (
	"sort"
	"sync"
	"time"

	"gnspaxos/packet"
	"gnspaxos/quorum"
	"gnspaxos/stablestore"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/emirpasic/gods/utils"
	"github.com/hashicorp/go-hclog"
)

type proposal struct {
	value packet.RequestValue
	tally *quorum.CountingQuorumTally
	sent  time.Time
}

type prepareState struct {
	ballot     packet.Ballot
	fromSlot   int64
	tally      *quorum.CountingQuorumTally
	accepted   map[int64]packet.PValue
	checkpoint *packet.Checkpoint
	sent       time.Time
}

type pending struct {
	value packet.RequestValue
	sent  time.Time
}

// Instance is the state of one consensus group on this node. All fields
// are guarded by mu.
type Instance struct {
	mu      sync.Mutex
	m       *Manager
	paxosID string
	members []packet.NodeID
	status  Status
	log     hclog.Logger
	deleted bool

	// acceptor
	promised packet.Ballot
	accepted map[int64]packet.PValue
	wal      *stablestore.Log

	// learner
	decided    *treemap.Map // slot -> RequestValue, slots above applied
	applied    int64
	decidedLog map[int64]packet.PValue
	checkpoint *packet.Checkpoint
	dedup      *linkedhashset.Set
	stopped    bool
	gapSince   time.Time

	// coordinator
	active       bool
	nextSlot     int64
	proposals    map[int64]*proposal
	inflight     map[string]int64
	prepare      *prepareState
	queue        []packet.RequestValue
	stopProposed bool

	// requests admitted here and not yet seen decided
	outstanding map[string]*pending
	requestCnt  int64
}

func newInstance(m *Manager, paxosID string, members []packet.NodeID) *Instance {
	sorted := append([]packet.NodeID(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Instance{
		m:           m,
		paxosID:     paxosID,
		members:     sorted,
		status:      RECOVERING,
		log:         m.log.With("paxosID", paxosID),
		promised:    packet.Ballot{Number: 0, Coordinator: sorted[0]},
		accepted:    make(map[int64]packet.PValue),
		decided:     treemap.NewWith(utils.Int64Comparator),
		decidedLog:  make(map[int64]packet.PValue),
		checkpoint:  &packet.Checkpoint{},
		dedup:       linkedhashset.New(),
		proposals:   make(map[int64]*proposal),
		inflight:    make(map[string]int64),
		outstanding: make(map[string]*pending),
	}
}

func (in *Instance) self() packet.NodeID {
	return in.m.id
}

func (in *Instance) isMember(id packet.NodeID) bool {
	for _, m := range in.members {
		if m == id {
			return true
		}
	}
	return false
}

func (in *Instance) handle(p packet.Packet, out *outbox) {
	if in.deleted || in.status != ACTIVE {
		return
	}
	switch msg := p.(type) {
	case *packet.Propose:
		in.handlePropose(msg, out)
	case *packet.Accept:
		in.handleAccept(msg, out)
	case *packet.AcceptReply:
		in.handleAcceptReply(msg, out)
	case *packet.Decision:
		in.learn(msg.Slot, msg.Value, out)
	case *packet.Prepare:
		in.handlePrepare(msg, out)
	case *packet.PrepareReply:
		in.handlePrepareReply(msg, out)
	case *packet.SyncRequest:
		in.handleSyncRequest(msg, out)
	case *packet.SyncReply:
		in.handleSyncReply(msg, out)
	}
}

// admit takes a request submitted on this node.
func (in *Instance) admit(req packet.RequestValue, out *outbox) error {
	if in.deleted {
		return ErrNoInstance
	}
	if (in.stopped || (in.stopProposed && in.active)) && !req.Resume {
		return ErrStopped
	}
	req.Origin = in.self()
	key := req.Key()
	if in.dedup.Contains(key) {
		return nil
	}
	in.outstanding[key] = &pending{value: req, sent: time.Now()}
	in.route(req, out)
	return nil
}

func (in *Instance) route(req packet.RequestValue, out *outbox) {
	coord := in.promised.Coordinator
	if coord != in.self() {
		in.m.stats.Update(statForwarded, 1)
		out.send(coord, &packet.Propose{PaxosID: in.paxosID, Sender: in.self(), Value: req})
		return
	}
	in.offer(req, out)
}

// offer hands a request to the local coordinator role.
func (in *Instance) offer(req packet.RequestValue, out *outbox) {
	key := req.Key()
	if in.dedup.Contains(key) {
		return
	}
	if _, ok := in.inflight[key]; ok {
		return
	}
	if !in.active {
		in.queue = append(in.queue, req)
		return
	}
	if in.stopProposed && !req.Resume {
		in.log.Debug("dropping request after stop", "req", req.String())
		return
	}
	in.proposeAt(in.nextSlot, req, out)
	in.nextSlot++
}

func (in *Instance) proposeAt(slot int64, value packet.RequestValue, out *outbox) {
	if value.Stop {
		in.stopProposed = true
	}
	if !value.NoOp {
		in.inflight[value.Key()] = slot
	}
	in.proposals[slot] = &proposal{value: value, tally: quorum.Majority(in.members), sent: time.Now()}
	in.m.stats.Update(statProposed, 1)
	out.broadcast(in.members, &packet.Accept{
		PaxosID: in.paxosID,
		Sender:  in.self(),
		Ballot:  in.promised,
		Slot:    slot,
		Value:   value,
	})
}

func (in *Instance) handlePropose(msg *packet.Propose, out *outbox) {
	if in.promised.Coordinator != in.self() {
		if msg.Sender != in.promised.Coordinator {
			out.send(in.promised.Coordinator, msg)
		}
		return
	}
	if in.stopped && !msg.Value.Resume {
		return
	}
	in.offer(msg.Value, out)
}

func (in *Instance) handleAccept(msg *packet.Accept, out *outbox) {
	if msg.Ballot.Less(in.promised) {
		out.send(msg.Sender, &packet.AcceptReply{
			PaxosID:  in.paxosID,
			Sender:   in.self(),
			Ballot:   msg.Ballot,
			Promised: in.promised,
			Slot:     msg.Slot,
		})
		return
	}
	if msg.Ballot.GreaterThan(in.promised) {
		in.adoptBallot(msg.Ballot, out)
	}
	if msg.Slot > in.applied {
		pv := packet.PValue{Slot: msg.Slot, Ballot: msg.Ballot, Value: msg.Value}
		in.accepted[msg.Slot] = pv
		in.logRecord(stablestore.Record{Kind: stablestore.RecordAccept, Ballot: msg.Ballot, Slot: msg.Slot, Value: msg.Value})
	}
	out.send(msg.Sender, &packet.AcceptReply{
		PaxosID:  in.paxosID,
		Sender:   in.self(),
		Ballot:   msg.Ballot,
		Promised: in.promised,
		Slot:     msg.Slot,
		OK:       true,
	})
}

func (in *Instance) handleAcceptReply(msg *packet.AcceptReply, out *outbox) {
	if !msg.OK {
		if msg.Promised.GreaterThan(in.promised) {
			in.log.Debug("accept rejected, stepping down", "promised", msg.Promised)
			in.adoptBallot(msg.Promised, out)
		}
		return
	}
	p, ok := in.proposals[msg.Slot]
	if !ok || !in.active || !msg.Ballot.Equal(in.promised) {
		return
	}
	p.tally.Add(msg.Sender)
	if !p.tally.Reached() {
		return
	}
	delete(in.proposals, msg.Slot)
	out.broadcast(in.members, &packet.Decision{
		PaxosID: in.paxosID,
		Sender:  in.self(),
		Ballot:  msg.Ballot,
		Slot:    msg.Slot,
		Value:   p.value,
	})
}

// adoptBallot records a promise to b. Losing coordinatorship drops every
// in-flight proposal; their origins re-forward them.
func (in *Instance) adoptBallot(b packet.Ballot, out *outbox) {
	prev := in.promised.Coordinator
	in.promised = b
	in.logRecord(stablestore.Record{Kind: stablestore.RecordPromise, Ballot: b})
	if b.Coordinator != in.self() && (in.active || in.prepare != nil) {
		in.active = false
		in.prepare = nil
		in.proposals = make(map[int64]*proposal)
		in.inflight = make(map[string]int64)
		in.queue = nil
	}
	if prev != b.Coordinator {
		in.log.Debug("coordinator changed", "from", prev, "to", b.Coordinator, "ballot", b)
		in.rerouteOutstanding(out)
	}
}

func (in *Instance) rerouteOutstanding(out *outbox) {
	now := time.Now()
	for _, o := range in.sortedOutstanding() {
		o.sent = now
		in.route(o.value, out)
	}
}

func (in *Instance) sortedOutstanding() []*pending {
	list := make([]*pending, 0, len(in.outstanding))
	for _, o := range in.outstanding {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].value.RequestID < list[j].value.RequestID })
	return list
}

func (in *Instance) learn(slot int64, value packet.RequestValue, out *outbox) {
	if slot <= in.applied {
		return
	}
	if _, found := in.decided.Get(slot); found {
		return
	}
	in.decided.Put(slot, value)
	if p, ok := in.proposals[slot]; ok && in.active {
		delete(in.proposals, slot)
		delete(in.inflight, p.value.Key())
	}
	in.applyReady(out)
}

// applyReady executes decisions strictly in slot order.
func (in *Instance) applyReady(out *outbox) {
	for {
		v, found := in.decided.Get(in.applied + 1)
		if !found {
			break
		}
		slot := in.applied + 1
		in.decided.Remove(slot)
		in.applied = slot
		value := v.(packet.RequestValue)
		in.execute(slot, value, out)
		in.decidedLog[slot] = packet.PValue{Slot: slot, Value: value, Decided: true}
		delete(in.accepted, slot)
		delete(in.proposals, slot)
		if in.applied-in.checkpoint.Slot >= in.m.cfg.CheckpointInterval {
			in.takeCheckpoint()
		}
	}
	if in.decided.Size() == 0 {
		in.gapSince = time.Time{}
	} else if in.gapSince.IsZero() {
		in.gapSince = time.Now()
	}
}

func (in *Instance) execute(slot int64, v packet.RequestValue, out *outbox) {
	in.m.stats.Update(statApplied, 1)
	if v.NoOp {
		return
	}
	key := v.Key()
	delete(in.inflight, key)
	if in.dedup.Contains(key) {
		in.log.Debug("skipping duplicate decision", "slot", slot, "req", key)
		delete(in.outstanding, key)
		return
	}
	in.remember(key)
	delete(in.outstanding, key)

	var result string
	code := packet.NoError
	switch {
	case v.Stop && in.dedup.Contains(stopKey(v.Value)):
		// a repeated stop, or one whose change was already resumed
		if !in.stopped {
			in.stopProposed = false
		}
		in.log.Debug("skipping stale stop", "slot", slot, "stop", v.Value)
		return
	case v.Stop:
		in.remember(stopKey(v.Value))
		in.stopped = true
		in.stopProposed = true
		result, code = in.m.app.HandleDecision(in.paxosID, slot, v)
		in.log.Info("instance stopped", "slot", slot)
		in.failOutstanding(out)
		return
	case v.Resume:
		in.remember(stopKey(v.Value))
		in.stopped = false
		in.stopProposed = false
		result, code = in.m.app.HandleDecision(in.paxosID, slot, v)
		in.log.Info("instance resumed", "slot", slot)
	case in.stopped:
		code = packet.Stopped
	default:
		result, code = in.m.app.HandleDecision(in.paxosID, slot, v)
	}
	if v.Origin == in.self() {
		in.reply(v, result, code, out)
	}
}

// stopKey marks a stop tag in the dedup window once it has been applied or
// cancelled by a resume.
func stopKey(tag string) string {
	return "stop/" + tag
}

func (in *Instance) reply(v packet.RequestValue, result string, code packet.ResponseCode, out *outbox) {
	in.requestCnt++
	var rtt int64
	if v.EntryTime > 0 {
		rtt = time.Since(time.Unix(0, v.EntryTime)).Milliseconds()
	}
	out.send(v.ClientID, &packet.CommandReturnValue{
		RequestID:   v.RequestID,
		ReturnValue: result,
		Code:        code,
		Responder:   in.self(),
		RTT:         rtt,
		RequestCnt:  in.requestCnt,
	})
}

// failOutstanding answers every request still waiting once the instance
// has stopped.
func (in *Instance) failOutstanding(out *outbox) {
	for key, o := range in.outstanding {
		in.reply(o.value, "", packet.Stopped, out)
		delete(in.outstanding, key)
	}
	in.queue = nil
}

func (in *Instance) remember(key string) {
	in.dedup.Add(key)
	for in.dedup.Size() > in.m.cfg.DedupWindow {
		it := in.dedup.Iterator()
		if !it.Next() {
			break
		}
		in.dedup.Remove(it.Value())
	}
}

func (in *Instance) dedupKeys() []string {
	vals := in.dedup.Values()
	keys := make([]string, len(vals))
	for i, v := range vals {
		keys[i] = v.(string)
	}
	return keys
}

func (in *Instance) restoreDedup(keys []string) {
	in.dedup.Clear()
	for _, k := range keys {
		in.dedup.Add(k)
	}
}

func (in *Instance) startPrepare(out *outbox) {
	b := packet.Ballot{Number: in.promised.Number + 1, Coordinator: in.self()}
	in.adoptBallot(b, out)
	in.active = false
	in.prepare = &prepareState{
		ballot:   b,
		fromSlot: in.applied + 1,
		tally:    quorum.Majority(in.members),
		accepted: make(map[int64]packet.PValue),
		sent:     time.Now(),
	}
	in.m.stats.Update(statViewChanges, 1)
	in.log.Info("starting view change", "ballot", b, "fromSlot", in.applied+1)
	out.broadcast(in.members, &packet.Prepare{
		PaxosID:  in.paxosID,
		Sender:   in.self(),
		Ballot:   b,
		FromSlot: in.applied + 1,
	})
}

func (in *Instance) handlePrepare(msg *packet.Prepare, out *outbox) {
	if msg.Ballot.Less(in.promised) {
		out.send(msg.Sender, &packet.PrepareReply{
			PaxosID:  in.paxosID,
			Sender:   in.self(),
			Ballot:   msg.Ballot,
			Promised: in.promised,
		})
		return
	}
	if msg.Ballot.GreaterThan(in.promised) {
		in.adoptBallot(msg.Ballot, out)
	}
	reply := &packet.PrepareReply{
		PaxosID:  in.paxosID,
		Sender:   in.self(),
		Ballot:   msg.Ballot,
		Promised: in.promised,
		OK:       true,
		Accepted: in.entriesFrom(msg.FromSlot, true),
	}
	if msg.FromSlot <= in.checkpoint.Slot {
		reply.Checkpoint = in.checkpoint
	}
	out.send(msg.Sender, reply)
}

// entriesFrom lists known log entries at or above from: decided ones and,
// when withAccepted is set, accepted but undecided ones.
func (in *Instance) entriesFrom(from int64, withAccepted bool) []packet.PValue {
	var entries []packet.PValue
	seen := make(map[int64]bool)
	for slot, pv := range in.decidedLog {
		if slot >= from {
			entries = append(entries, pv)
			seen[slot] = true
		}
	}
	it := in.decided.Iterator()
	for it.Next() {
		slot := it.Key().(int64)
		if slot >= from {
			entries = append(entries, packet.PValue{Slot: slot, Value: it.Value().(packet.RequestValue), Decided: true})
			seen[slot] = true
		}
	}
	if withAccepted {
		for slot, pv := range in.accepted {
			if slot >= from && !seen[slot] {
				entries = append(entries, pv)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	return entries
}

func (in *Instance) handlePrepareReply(msg *packet.PrepareReply, out *outbox) {
	if !msg.OK {
		if msg.Promised.GreaterThan(in.promised) {
			in.log.Debug("prepare rejected, stepping down", "promised", msg.Promised)
			in.adoptBallot(msg.Promised, out)
		}
		return
	}
	ps := in.prepare
	if ps == nil || !msg.Ballot.Equal(ps.ballot) || ps.tally.Acknowledged(msg.Sender) {
		return
	}
	for _, pv := range msg.Accepted {
		cur, ok := ps.accepted[pv.Slot]
		if !ok || supersedes(pv, cur) {
			ps.accepted[pv.Slot] = pv
		}
	}
	if cp := msg.Checkpoint; cp != nil && (ps.checkpoint == nil || cp.Slot > ps.checkpoint.Slot) {
		ps.checkpoint = cp
	}
	ps.tally.Add(msg.Sender)
	if ps.tally.Reached() {
		in.finishPrepare(out)
	}
}

func supersedes(a, b packet.PValue) bool {
	if b.Decided {
		return false
	}
	return a.Decided || a.Ballot.GreaterThan(b.Ballot)
}

// finishPrepare re-drives every slot a majority may have accepted, filling
// holes with no-ops, then serves queued requests.
func (in *Instance) finishPrepare(out *outbox) {
	ps := in.prepare
	in.prepare = nil
	if ps.checkpoint != nil && ps.checkpoint.Slot > in.applied {
		in.restoreCheckpoint(ps.checkpoint, out)
	}
	in.active = true
	in.proposals = make(map[int64]*proposal)
	in.inflight = make(map[string]int64)
	if in.stopped {
		in.stopProposed = true
	}

	maxSlot := in.applied
	for slot := range ps.accepted {
		if slot > maxSlot {
			maxSlot = slot
		}
	}
	if k, _ := in.decided.Max(); k != nil && k.(int64) > maxSlot {
		maxSlot = k.(int64)
	}
	for s := in.applied + 1; s <= maxSlot; s++ {
		var value packet.RequestValue
		if v, found := in.decided.Get(s); found {
			value = v.(packet.RequestValue)
		} else if pv, ok := ps.accepted[s]; ok {
			value = pv.Value
		} else {
			value = packet.RequestValue{Name: in.paxosID, NoOp: true}
		}
		in.proposeAt(s, value, out)
	}
	in.nextSlot = maxSlot + 1
	in.log.Info("coordinating", "ballot", in.promised, "redriven", maxSlot-in.applied, "queued", len(in.queue))

	queue := in.queue
	in.queue = nil
	for _, req := range queue {
		in.offer(req, out)
	}
}

func (in *Instance) handleSyncRequest(msg *packet.SyncRequest, out *outbox) {
	reply := &packet.SyncReply{
		PaxosID:   in.paxosID,
		Sender:    in.self(),
		Decisions: in.entriesFrom(msg.FromSlot, false),
	}
	if msg.FromSlot <= in.checkpoint.Slot {
		reply.Checkpoint = in.checkpoint
	}
	out.send(msg.Sender, reply)
}

func (in *Instance) handleSyncReply(msg *packet.SyncReply, out *outbox) {
	if cp := msg.Checkpoint; cp != nil && cp.Slot > in.applied {
		in.restoreCheckpoint(cp, out)
	}
	for _, pv := range msg.Decisions {
		in.learn(pv.Slot, pv.Value, out)
	}
	in.applyReady(out)
}

func (in *Instance) lowestLiveMember() packet.NodeID {
	for _, id := range in.members {
		if id == in.self() || in.m.fd.Alive(id) {
			return id
		}
	}
	return in.self()
}

func (in *Instance) tick(now time.Time, out *outbox) {
	if in.deleted || in.status != ACTIVE {
		return
	}
	timeout := in.m.cfg.AcceptTimeout
	coord := in.promised.Coordinator
	self := in.self()

	if in.active {
		for slot, p := range in.proposals {
			if now.Sub(p.sent) < timeout {
				continue
			}
			p.sent = now
			acc := &packet.Accept{PaxosID: in.paxosID, Sender: self, Ballot: in.promised, Slot: slot, Value: p.value}
			for _, id := range p.tally.Missing() {
				out.send(id, acc)
			}
		}
	}
	if ps := in.prepare; ps != nil && now.Sub(ps.sent) >= timeout {
		ps.sent = now
		prep := &packet.Prepare{PaxosID: in.paxosID, Sender: self, Ballot: ps.ballot, FromSlot: ps.fromSlot}
		for _, id := range ps.tally.Missing() {
			out.send(id, prep)
		}
	}
	if coord != self {
		for _, o := range in.sortedOutstanding() {
			if now.Sub(o.sent) >= timeout {
				o.sent = now
				in.route(o.value, out)
			}
		}
	}
	if !in.gapSince.IsZero() && now.Sub(in.gapSince) >= timeout {
		in.gapSince = now
		in.requestSync(out)
	}

	switch {
	case coord != self && in.m.fd.Suspect(coord) && in.prepare == nil:
		if in.lowestLiveMember() == self {
			in.log.Info("coordinator suspected", "coordinator", coord)
			in.startPrepare(out)
		}
	case coord == self && !in.active && in.prepare == nil:
		in.startPrepare(out)
	}
}

func (in *Instance) requestSync(out *outbox) {
	target := in.promised.Coordinator
	if target == in.self() || in.m.fd.Suspect(target) {
		target = -1
		for _, id := range in.members {
			if id != in.self() && in.m.fd.Alive(id) {
				target = id
				break
			}
		}
	}
	if target < 0 {
		return
	}
	in.m.stats.Update(statSyncs, 1)
	out.send(target, &packet.SyncRequest{PaxosID: in.paxosID, Sender: in.self(), FromSlot: in.applied + 1})
}

func (in *Instance) logRecord(rec stablestore.Record) {
	if in.wal == nil {
		return
	}
	if err := in.wal.Append(rec); err != nil {
		in.log.Error("cannot log to stable store", "kind", rec.Kind, "error", err)
	}
}
