package paxos

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"gnspaxos/config"
	"gnspaxos/packet"
	"gnspaxos/process"
	"gnspaxos/stablestore"
	"gnspaxos/stats"

	"github.com/hashicorp/go-hclog"
)

const (
	statProposed    = "Proposals"
	statForwarded   = "Forwarded"
	statApplied     = "Decisions Applied"
	statViewChanges = "View Changes"
	statCheckpoints = "Checkpoints"
	statSyncs       = "Sync Requests"
)

// Manager owns every consensus instance of one node.
type Manager struct {
	ctx   *process.Context
	id    packet.NodeID
	cfg   *config.Config
	app   Application
	store *stablestore.Store
	fd    *FailureDetector
	log   hclog.Logger
	stats *stats.TimeseriesStats

	mu        sync.RWMutex
	instances map[string]*Instance

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(ctx *process.Context, app Application) (*Manager, error) {
	dir := filepath.Join(ctx.Config.PaxosLogFolder, "node"+strconv.Itoa(int(ctx.ID)))
	store, err := stablestore.New(dir, ctx.Config.Durable)
	if err != nil {
		return nil, err
	}
	log := ctx.Named("paxos")
	return &Manager{
		ctx:   ctx,
		id:    ctx.ID,
		cfg:   ctx.Config,
		app:   app,
		store: store,
		fd:    NewFailureDetector(ctx.Config.FailureDetectionTimeout),
		log:   log,
		stats: stats.TimeseriesStatsNew(
			[]string{statProposed, statForwarded, statApplied, statViewChanges, statCheckpoints, statSyncs},
			log, ctx.Config.StatsInterval),
		instances: make(map[string]*Instance),
		done:      make(chan struct{}),
	}, nil
}

// Types lists the packets the manager expects to be routed to it.
func (m *Manager) Types() []packet.Type {
	return []packet.Type{
		packet.TypePropose, packet.TypeAccept, packet.TypeAcceptReply,
		packet.TypeDecision, packet.TypePrepare, packet.TypePrepareReply,
		packet.TypeFailurePing, packet.TypeFailurePong,
		packet.TypeSyncRequest, packet.TypeSyncReply,
	}
}

// Start launches the retry and failure detection loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.loop(m.cfg.AcceptTimeout/2, m.tick)
	go m.loop(m.cfg.PingInterval, m.ping)
	m.stats.GoClock(func() { m.stats.PrintAndReset() })
}

func (m *Manager) loop(every time.Duration, f func(time.Time)) {
	defer m.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			f(now)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.stats.Close()
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, in := range m.instances {
			in.mu.Lock()
			if in.wal != nil {
				in.wal.Close()
			}
			in.mu.Unlock()
		}
	})
}

func (m *Manager) FailureDetector() *FailureDetector {
	return m.fd
}

// CreateInstance starts paxosID with members, recovering it from the log
// folder when it ran here before. Creating a running instance is a no-op.
func (m *Manager) CreateInstance(paxosID string, members []packet.NodeID) error {
	found := false
	for _, id := range members {
		if id == m.id {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s %v", ErrNotMember, paxosID, members)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[paxosID]; ok {
		return nil
	}
	in := newInstance(m, paxosID, members)
	wal, err := m.store.OpenLog(paxosID)
	if err != nil {
		return fmt.Errorf("open log %s: %w", paxosID, err)
	}
	in.wal = wal

	in.mu.Lock()
	defer in.mu.Unlock()
	recovered, err := in.recover()
	if err != nil {
		wal.Close()
		return err
	}
	lowest := in.members[0]
	if recovered {
		// A recovered coordinator runs phase 1 again before proposing.
		in.nextSlot = in.applied + 1
		in.log.Info("instance recovered", "applied", in.applied, "promised", in.promised, "accepted", len(in.accepted))
	} else {
		in.logRecord(stablestore.Record{Kind: stablestore.RecordPromise, Ballot: in.promised})
		in.takeCheckpoint()
		in.active = lowest == m.id
		in.nextSlot = 1
		in.log.Debug("instance created", "members", in.members, "coordinator", lowest)
	}
	in.status = ACTIVE
	m.instances[paxosID] = in
	return nil
}

// DeleteInstance stops paxosID and removes its durable state.
func (m *Manager) DeleteInstance(paxosID string) {
	m.mu.Lock()
	in, ok := m.instances[paxosID]
	delete(m.instances, paxosID)
	m.mu.Unlock()
	if !ok {
		return
	}
	in.mu.Lock()
	in.deleted = true
	if in.wal != nil {
		in.wal.Close()
		in.wal = nil
	}
	in.mu.Unlock()
	if err := m.store.Remove(paxosID); err != nil {
		m.log.Warn("cannot remove instance files", "paxosID", paxosID, "error", err)
	}
	m.log.Debug("instance deleted", "paxosID", paxosID)
}

func (m *Manager) instance(paxosID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[paxosID]
	return in, ok
}

func (m *Manager) HasInstance(paxosID string) bool {
	_, ok := m.instance(paxosID)
	return ok
}

// Propose submits req to paxosID. The outcome is delivered later as a
// CommandReturnValue to req.ClientID.
func (m *Manager) Propose(paxosID string, req packet.RequestValue) error {
	in, ok := m.instance(paxosID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInstance, paxosID)
	}
	var out outbox
	in.mu.Lock()
	if req.EntryTime == 0 {
		req.EntryTime = time.Now().UnixNano()
	}
	err := in.admit(req, &out)
	in.mu.Unlock()
	m.flush(out)
	return err
}

func (m *Manager) IsStopped(paxosID string) bool {
	in, ok := m.instance(paxosID)
	if !ok {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopped
}

// Applied returns the highest slot applied, or -1 without the instance.
func (m *Manager) Applied(paxosID string) int64 {
	in, ok := m.instance(paxosID)
	if !ok {
		return -1
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.applied
}

func (m *Manager) Coordinator(paxosID string) (packet.NodeID, bool) {
	in, ok := m.instance(paxosID)
	if !ok {
		return 0, false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.promised.Coordinator, true
}

func (m *Manager) Members(paxosID string) []packet.NodeID {
	in, ok := m.instance(paxosID)
	if !ok {
		return nil
	}
	return append([]packet.NodeID(nil), in.members...)
}

func (m *Manager) Stats() *stats.TimeseriesStats {
	return m.stats
}

func (m *Manager) HandlePacket(p packet.Packet) {
	switch msg := p.(type) {
	case *packet.FailurePing:
		m.fd.Heard(msg.Sender)
		m.ctx.Send(msg.Sender, &packet.FailurePong{Sender: m.id, Timestamp: msg.Timestamp})
		return
	case *packet.FailurePong:
		m.fd.Heard(msg.Sender)
		if msg.Timestamp > 0 {
			m.ctx.Directory.UpdateLatency(msg.Sender, time.Since(time.Unix(0, msg.Timestamp)))
		}
		return
	}

	paxosID, sender, ok := route(p)
	if !ok {
		m.log.Warn("unexpected packet", "type", p.Type())
		return
	}
	m.fd.Heard(sender)
	in, ok := m.instance(paxosID)
	if !ok {
		m.log.Trace("packet for unknown instance", "paxosID", paxosID, "type", p.Type(), "from", sender)
		return
	}
	if !in.isMember(sender) {
		m.log.Debug("packet from non-member", "paxosID", paxosID, "from", sender)
		return
	}
	var out outbox
	in.mu.Lock()
	in.handle(p, &out)
	in.mu.Unlock()
	m.flush(out)
}

func route(p packet.Packet) (string, packet.NodeID, bool) {
	switch msg := p.(type) {
	case *packet.Propose:
		return msg.PaxosID, msg.Sender, true
	case *packet.Accept:
		return msg.PaxosID, msg.Sender, true
	case *packet.AcceptReply:
		return msg.PaxosID, msg.Sender, true
	case *packet.Decision:
		return msg.PaxosID, msg.Sender, true
	case *packet.Prepare:
		return msg.PaxosID, msg.Sender, true
	case *packet.PrepareReply:
		return msg.PaxosID, msg.Sender, true
	case *packet.SyncRequest:
		return msg.PaxosID, msg.Sender, true
	case *packet.SyncReply:
		return msg.PaxosID, msg.Sender, true
	}
	return "", 0, false
}

func (m *Manager) snapshot() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		list = append(list, in)
	}
	return list
}

func (m *Manager) tick(now time.Time) {
	for _, in := range m.snapshot() {
		var out outbox
		in.mu.Lock()
		in.tick(now, &out)
		in.mu.Unlock()
		m.flush(out)
	}
}

// ping sends one probe to every peer sharing an instance with this node.
func (m *Manager) ping(now time.Time) {
	peers := make(map[packet.NodeID]bool)
	for _, in := range m.snapshot() {
		for _, id := range in.members {
			if id != m.id {
				peers[id] = true
			}
		}
	}
	ids := make([]packet.NodeID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.ctx.Send(id, &packet.FailurePing{Sender: m.id, Timestamp: now.UnixNano()})
	}
}

// flush sends packets collected under an instance lock. Packets to self go
// through the sender too so they are handled like any other.
func (m *Manager) flush(out outbox) {
	for _, msg := range out {
		m.ctx.Send(msg.dest, msg.p)
	}
}
