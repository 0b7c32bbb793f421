// Package activereplica applies decided updates to the local record store,
// serves reads and takes part in handing a name's state to a new replica
// set.
package activereplica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gnspaxos/outstanding"
	"gnspaxos/packet"
	"gnspaxos/paxos"
	"gnspaxos/process"
	"gnspaxos/recordstore"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const prevValueBackoff = 50 * time.Millisecond

var (
	ErrNoActives  = errors.New("no active replicas known for name")
	ErrBadRequest = errors.New("bad request")
)

// replicaVersion is one version of a name hosted here. A pending version
// has fetched its state but is not served until the change completes.
type replicaVersion struct {
	actives  []packet.NodeID
	lastSlot int64
	pending  bool
	stopped  bool
	deleted  bool
	final    string
	resumed  string // change whose abort has been applied
}

type record struct {
	versions map[int]*replicaVersion
}

func (rec *record) serving() (int, bool) {
	best := -1
	for ver, v := range rec.versions {
		if !v.deleted && !v.pending && ver > best {
			best = ver
		}
	}
	return best, best >= 0
}

type ActiveReplica struct {
	ctx     *process.Context
	log     hclog.Logger
	store   *recordstore.Store
	futures *outstanding.Table

	paxos *paxos.Manager

	mu       sync.Mutex
	names    map[string]*record
	actives  map[string][]packet.NodeID
	starting map[string]bool
}

func New(ctx *process.Context, store *recordstore.Store) *ActiveReplica {
	log := ctx.Named("activereplica")
	return &ActiveReplica{
		ctx:      ctx,
		log:      log,
		store:    store,
		futures:  outstanding.NewTable(log),
		names:    make(map[string]*record),
		actives:  make(map[string][]packet.NodeID),
		starting: make(map[string]bool),
	}
}

// SetManager attaches the consensus engine. The manager needs the replica
// as its Application, so the two are linked after construction.
func (a *ActiveReplica) SetManager(m *paxos.Manager) {
	a.paxos = m
}

func (a *ActiveReplica) Types() []packet.Type {
	return []packet.Type{
		packet.TypeUpdate, packet.TypeRead, packet.TypeReadReply,
		packet.TypeCommandReturnValue,
		packet.TypeNewActivePropose, packet.TypeNewActiveStart,
		packet.TypePrevValueRequest, packet.TypePrevValueResponse,
		packet.TypeOldActiveStop, packet.TypeGroupChangeComplete,
		packet.TypeGroupChangeAbort,
		packet.TypeActiveAdd, packet.TypeActiveRemove,
		packet.TypeRequestActivesReply,
	}
}

func (a *ActiveReplica) HandlePacket(p packet.Packet) {
	switch msg := p.(type) {
	case *packet.Update:
		a.handleUpdate(msg)
	case *packet.Read:
		a.handleRead(msg)
	case *packet.ReadReply:
		a.futures.Complete(msg.QueryID, msg)
	case *packet.CommandReturnValue:
		a.futures.Complete(msg.RequestID, msg)
	case *packet.RequestActivesReply:
		a.futures.Complete(msg.QueryID, msg)
	case *packet.PrevValueResponse:
		a.futures.Complete(msg.QueryID, msg)
	case *packet.NewActivePropose:
		a.handleNewActivePropose(msg)
	case *packet.NewActiveStart:
		a.handleNewActiveStart(msg)
	case *packet.PrevValueRequest:
		a.handlePrevValueRequest(msg)
	case *packet.OldActiveStop:
		a.handleOldActiveStop(msg)
	case *packet.GroupChangeComplete:
		a.activate(msg.Name, msg.Version)
		a.setActives(msg.Name, msg.Actives)
	case *packet.GroupChangeAbort:
		a.handleGroupChangeAbort(msg)
	case *packet.ActiveAdd:
		a.handleActiveAdd(msg)
	case *packet.ActiveRemove:
		a.handleActiveRemove(msg)
	default:
		a.log.Warn("unexpected packet", "type", p.Type())
	}
}

func contains(ids []packet.NodeID, id packet.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// current returns the paxos id of the version this node serves for name.
func (a *ActiveReplica) current(name string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.names[name]
	if !ok {
		return "", false
	}
	ver, ok := rec.serving()
	if !ok {
		return "", false
	}
	return paxos.PaxosID(name, ver), true
}

// IsActive reports whether this node serves name.
func (a *ActiveReplica) IsActive(name string) bool {
	_, ok := a.current(name)
	return ok
}

func (a *ActiveReplica) setActives(name string, actives []packet.NodeID) {
	a.mu.Lock()
	a.actives[name] = append([]packet.NodeID(nil), actives...)
	a.mu.Unlock()
}

func (a *ActiveReplica) cachedActives(name string) []packet.NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actives[name]
}

// HandleDecision applies one decided request. Each (instance, slot) is
// applied at most once.
func (a *ActiveReplica) HandleDecision(paxosID string, slot int64, req packet.RequestValue) (string, packet.ResponseCode) {
	name, version, err := paxos.ParsePaxosID(paxosID)
	if err != nil {
		a.log.Error("decision for malformed instance", "paxosID", paxosID)
		return "", packet.Failure
	}
	a.mu.Lock()
	rec, ok := a.names[name]
	var v *replicaVersion
	if ok {
		v = rec.versions[version]
	}
	if v == nil || v.deleted {
		a.mu.Unlock()
		return "", packet.NoSuchName
	}
	if slot <= v.lastSlot {
		a.mu.Unlock()
		a.log.Debug("decision already applied", "paxosID", paxosID, "slot", slot)
		return "", packet.NoError
	}
	v.lastSlot = slot
	if req.Stop {
		v.stopped = true
		final, err := a.store.Snapshot(name)
		if err != nil {
			a.log.Error("no final state at stop", "paxosID", paxosID, "error", err)
		}
		v.final = final
		a.mu.Unlock()
		a.log.Info("old version frozen", "paxosID", paxosID, "slot", slot)
		a.ctx.Send(a.ctx.Directory.Primary(name), &packet.OldActiveFrozen{Name: name, ChangeID: req.Value, Sender: a.ctx.ID})
		return "", packet.NoError
	}
	if req.Resume {
		v.stopped = false
		v.final = ""
		v.resumed = req.Value
		a.mu.Unlock()
		a.log.Info("old version resumed", "paxosID", paxosID, "slot", slot)
		a.ctx.Send(a.ctx.Directory.Primary(name), &packet.GroupChangeAbortConfirm{Name: name, ChangeID: req.Value, Sender: a.ctx.ID})
		return "", packet.NoError
	}
	a.mu.Unlock()
	return a.apply(req)
}

func (a *ActiveReplica) apply(req packet.RequestValue) (string, packet.ResponseCode) {
	var (
		result string
		err    error
	)
	switch req.Op {
	case packet.OpReplace:
		result, err = a.store.ApplyValue(req.Name, req.Field, req.Value)
	case packet.OpAppend:
		result, err = a.store.AppendValue(req.Name, req.Field, req.Value)
	case packet.OpRemove:
		err = a.store.RemoveField(req.Name, req.Field)
	default:
		a.log.Warn("unknown update operation", "op", req.Op, "name", req.Name)
		return "", packet.Failure
	}
	if errors.Is(err, recordstore.ErrNoRecord) {
		return "", packet.NoSuchName
	}
	if err != nil {
		return "", packet.Failure
	}
	return result, packet.NoError
}

func (a *ActiveReplica) GetState(paxosID string) (string, error) {
	name, _, err := paxos.ParsePaxosID(paxosID)
	if err != nil {
		return "", err
	}
	return a.store.Snapshot(name)
}

func (a *ActiveReplica) UpdateState(paxosID string, state string) error {
	name, _, err := paxos.ParsePaxosID(paxosID)
	if err != nil {
		return err
	}
	return a.store.Restore(name, state)
}

// Update submits a write and waits for its outcome. Names not active here
// go to the closest active replica.
func (a *ActiveReplica) Update(ctx context.Context, name, field, value, op string) (*packet.CommandReturnValue, error) {
	f := a.futures.NewFuture()
	u := &packet.Update{
		Name:      name,
		Field:     field,
		Value:     value,
		Op:        op,
		RequestID: f.ID(),
		ClientID:  a.ctx.ID,
	}
	if a.IsActive(name) {
		a.handleUpdate(u)
	} else {
		dest, err := a.closestActive(ctx, name)
		if err != nil {
			f.Cancel()
			return nil, err
		}
		a.ctx.Send(dest, u)
	}
	p, err := f.Wait(ctx, a.ctx.Config.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", name, err)
	}
	return p.(*packet.CommandReturnValue), nil
}

func (a *ActiveReplica) handleUpdate(u *packet.Update) {
	paxosID, ok := a.current(u.Name)
	if !ok {
		a.replyCode(u, packet.NotActive)
		return
	}
	err := a.paxos.Propose(paxosID, packet.RequestValue{
		Name:      u.Name,
		Field:     u.Field,
		Value:     u.Value,
		Op:        u.Op,
		RequestID: u.RequestID,
		ClientID:  u.ClientID,
		EntryTime: u.EntryTime,
	})
	switch {
	case err == nil:
	case errors.Is(err, paxos.ErrStopped):
		a.replyCode(u, packet.Stopped)
	default:
		a.log.Debug("update not proposed", "name", u.Name, "error", err)
		a.replyCode(u, packet.NotActive)
	}
}

func (a *ActiveReplica) replyCode(u *packet.Update, code packet.ResponseCode) {
	a.ctx.Send(u.ClientID, &packet.CommandReturnValue{
		RequestID: u.RequestID,
		Code:      code,
		Responder: a.ctx.ID,
	})
}

// Read returns field of name from applied state, asking the closest active
// replica when name is not served here.
func (a *ActiveReplica) Read(ctx context.Context, name, field string) (string, packet.ResponseCode, error) {
	if a.IsActive(name) {
		v, ok := a.store.ReadValue(name, field)
		if !ok {
			return "", packet.NoSuchName, nil
		}
		return v, packet.NoError, nil
	}
	dest, err := a.closestActive(ctx, name)
	if err != nil {
		return "", packet.NotActive, err
	}
	f := a.futures.NewFuture()
	a.ctx.Send(dest, &packet.Read{Name: name, Field: field, QueryID: f.ID(), Sender: a.ctx.ID})
	p, err := f.Wait(ctx, a.ctx.Config.QueryTimeout)
	if err != nil {
		return "", packet.Timeout, fmt.Errorf("read %s from %d: %w", name, dest, err)
	}
	r := p.(*packet.ReadReply)
	return r.Value, r.Code, nil
}

func (a *ActiveReplica) handleRead(r *packet.Read) {
	reply := &packet.ReadReply{QueryID: r.QueryID, Responder: a.ctx.ID}
	switch v, ok := a.store.ReadValue(r.Name, r.Field); {
	case !a.IsActive(r.Name):
		reply.Code = packet.NotActive
	case !ok:
		reply.Code = packet.NoSuchName
	default:
		reply.Value = v
	}
	a.ctx.Send(r.Sender, reply)
}

func (a *ActiveReplica) closestActive(ctx context.Context, name string) (packet.NodeID, error) {
	actives, err := a.lookupActives(ctx, name)
	if err != nil {
		return 0, err
	}
	dest, ok := a.ctx.Directory.ClosestNode(actives)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoActives, name)
	}
	return dest, nil
}

// lookupActives asks the name's primary for its replica set unless a
// recent one is cached.
func (a *ActiveReplica) lookupActives(ctx context.Context, name string) ([]packet.NodeID, error) {
	if actives := a.cachedActives(name); len(actives) > 0 {
		return actives, nil
	}
	f := a.futures.NewFuture()
	a.ctx.Send(a.ctx.Directory.Primary(name), &packet.RequestActives{Name: name, QueryID: f.ID(), Sender: a.ctx.ID})
	p, err := f.Wait(ctx, a.ctx.Config.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("actives of %s: %w", name, err)
	}
	r := p.(*packet.RequestActivesReply)
	if r.Code != packet.NoError || len(r.Actives) == 0 {
		return nil, fmt.Errorf("%w: %s (%v)", ErrNoActives, name, r.Code)
	}
	a.setActives(name, r.Actives)
	return r.Actives, nil
}

func (a *ActiveReplica) handleActiveAdd(msg *packet.ActiveAdd) {
	paxosID := paxos.PaxosID(msg.Name, msg.Version)
	if !a.paxos.HasInstance(paxosID) {
		a.store.Create(msg.Name, msg.Initial)
		a.addVersion(msg.Name, msg.Version, msg.Actives, false)
		if err := a.paxos.CreateInstance(paxosID, msg.Actives); err != nil {
			a.log.Error("cannot start record", "paxosID", paxosID, "error", err)
			return
		}
		a.log.Info("record added", "name", msg.Name, "actives", msg.Actives)
	}
	a.setActives(msg.Name, msg.Actives)
	a.ctx.Send(msg.Primary, &packet.ActiveAddConfirm{Name: msg.Name, Sender: a.ctx.ID})
}

func (a *ActiveReplica) addVersion(name string, version int, actives []packet.NodeID, pending bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.names[name]
	if !ok {
		rec = &record{versions: make(map[int]*replicaVersion)}
		a.names[name] = rec
	}
	if _, ok := rec.versions[version]; !ok {
		rec.versions[version] = &replicaVersion{actives: append([]packet.NodeID(nil), actives...), pending: pending}
	}
}

// activate starts serving a pending version.
func (a *ActiveReplica) activate(name string, version int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.names[name]; ok {
		if v, ok := rec.versions[version]; ok && v.pending {
			v.pending = false
			a.log.Debug("serving new version", "name", name, "version", version)
		}
	}
}

func (a *ActiveReplica) handleActiveRemove(msg *packet.ActiveRemove) {
	a.paxos.DeleteInstance(paxos.PaxosID(msg.Name, msg.Version))
	a.store.Remove(msg.Name)
	a.mu.Lock()
	delete(a.names, msg.Name)
	delete(a.actives, msg.Name)
	a.mu.Unlock()
	a.log.Info("record removed", "name", msg.Name)
	a.ctx.Send(msg.Primary, &packet.ActiveRemoveConfirm{Name: msg.Name, Sender: a.ctx.ID})
}

func stopRequestID(changeID string) uint32 {
	return tagRequestID(changeID)
}

func resumeRequestID(changeID string) uint32 {
	return tagRequestID("resume/" + changeID)
}

// tagRequestID gives every old active the same request id for one step of
// a change.
func tagRequestID(tag string) uint32 {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(tag)).ID()
	if id == 0 {
		id = 1
	}
	return id
}

// handleNewActivePropose freezes the old version by deciding a stop in its
// log. Replicas that already applied the stop answer at once.
func (a *ActiveReplica) handleNewActivePropose(msg *packet.NewActivePropose) {
	if !contains(msg.OldActives, a.ctx.ID) {
		return
	}
	paxosID := paxos.PaxosID(msg.Name, msg.Version)
	if a.paxos.IsStopped(paxosID) {
		a.ctx.Send(msg.Primary, &packet.OldActiveFrozen{Name: msg.Name, ChangeID: msg.ChangeID, Sender: a.ctx.ID})
		return
	}
	err := a.paxos.Propose(paxosID, packet.RequestValue{
		Name:      msg.Name,
		Value:     msg.ChangeID,
		RequestID: stopRequestID(msg.ChangeID),
		ClientID:  a.ctx.ID,
		Stop:      true,
	})
	if err != nil && !errors.Is(err, paxos.ErrStopped) {
		a.log.Warn("cannot propose stop", "paxosID", paxosID, "error", err)
	}
}

func (a *ActiveReplica) handleNewActiveStart(msg *packet.NewActiveStart) {
	if !contains(msg.NewActives, a.ctx.ID) {
		return
	}
	next := paxos.PaxosID(msg.Name, msg.Version+1)
	if a.paxos.HasInstance(next) {
		a.confirmStart(msg)
		return
	}
	a.mu.Lock()
	if a.starting[msg.ChangeID] {
		a.mu.Unlock()
		return
	}
	a.starting[msg.ChangeID] = true
	a.mu.Unlock()

	gc := msg.GroupChange
	a.ctx.Executor.Go(func() {
		defer func() {
			a.mu.Lock()
			delete(a.starting, gc.ChangeID)
			a.mu.Unlock()
		}()
		state, err := a.fetchPrevValue(context.Background(), gc)
		if err != nil {
			a.log.Warn("cannot fetch previous state", "name", gc.Name, "version", gc.Version, "error", err)
			return
		}
		if err := a.store.Restore(gc.Name, state); err != nil {
			a.log.Error("bad previous state", "name", gc.Name, "error", err)
			return
		}
		a.addVersion(gc.Name, gc.Version+1, gc.NewActives, true)
		if err := a.paxos.CreateInstance(next, gc.NewActives); err != nil {
			a.log.Error("cannot start new version", "paxosID", next, "error", err)
			return
		}
		a.log.Info("new version started", "paxosID", next, "actives", gc.NewActives)
		a.confirmStart(&packet.NewActiveStart{GroupChange: gc})
	})
}

func (a *ActiveReplica) confirmStart(msg *packet.NewActiveStart) {
	a.ctx.Send(msg.Primary, &packet.NewActiveStartConfirm{Name: msg.Name, ChangeID: msg.ChangeID, Sender: a.ctx.ID})
}

// fetchPrevValue asks old actives for the final state of the old version:
// itself first, then by latency, cycling for a bounded number of tries.
func (a *ActiveReplica) fetchPrevValue(ctx context.Context, gc packet.GroupChange) (string, error) {
	var order []packet.NodeID
	var others []packet.NodeID
	for _, id := range gc.OldActives {
		if id == a.ctx.ID {
			order = append(order, id)
		} else {
			others = append(others, id)
		}
	}
	order = append(order, a.ctx.Directory.SortByLatency(others)...)
	if len(order) == 0 {
		return "", fmt.Errorf("%w: no old actives", ErrBadRequest)
	}
	var lastErr error
	next := 0
	for i := 0; i < a.ctx.Config.PrevValueRetries; i++ {
		dest := order[next%len(order)]
		f := a.futures.NewFuture()
		a.ctx.Send(dest, &packet.PrevValueRequest{Name: gc.Name, Version: gc.Version, QueryID: f.ID(), Sender: a.ctx.ID})
		p, err := f.Wait(ctx, a.ctx.Config.QueryTimeout)
		if err != nil {
			lastErr = fmt.Errorf("node %d: %w", dest, err)
			next++
			continue
		}
		r := p.(*packet.PrevValueResponse)
		switch r.Code {
		case packet.NoError:
			a.log.Debug("fetched previous state", "name", gc.Name, "from", dest)
			return r.State, nil
		case packet.NotReady:
			// the stop is decided but not yet applied there
			select {
			case <-time.After(prevValueBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		default:
			next++
		}
		lastErr = fmt.Errorf("node %d answered %v", dest, r.Code)
	}
	return "", lastErr
}

// handlePrevValueRequest serves the final state of a stopped version.
func (a *ActiveReplica) handlePrevValueRequest(msg *packet.PrevValueRequest) {
	reply := &packet.PrevValueResponse{Name: msg.Name, Version: msg.Version, QueryID: msg.QueryID, Sender: a.ctx.ID}
	a.mu.Lock()
	var v *replicaVersion
	if rec, ok := a.names[msg.Name]; ok {
		v = rec.versions[msg.Version]
	}
	switch {
	case v == nil || v.deleted:
		reply.Code = packet.NoSuchName
	case !v.stopped:
		reply.Code = packet.NotReady
	default:
		reply.State = v.final
	}
	a.mu.Unlock()
	a.ctx.Send(msg.Sender, reply)
}

// handleOldActiveStop deletes the old version. The record itself survives
// when this node also serves the new version.
func (a *ActiveReplica) handleOldActiveStop(msg *packet.OldActiveStop) {
	if contains(msg.OldActives, a.ctx.ID) {
		a.paxos.DeleteInstance(paxos.PaxosID(msg.Name, msg.Version))
		a.mu.Lock()
		if rec, ok := a.names[msg.Name]; ok {
			if v, ok := rec.versions[msg.Version]; ok {
				v.deleted = true
				v.final = ""
			}
		}
		a.mu.Unlock()
		if !contains(msg.NewActives, a.ctx.ID) {
			a.store.Remove(msg.Name)
			a.setActives(msg.Name, msg.NewActives)
		}
		a.log.Info("old version stopped", "name", msg.Name, "version", msg.Version)
	}
	if contains(msg.NewActives, a.ctx.ID) {
		a.activate(msg.Name, msg.Version+1)
	}
	a.ctx.Send(msg.Primary, &packet.OldActiveStopConfirm{Name: msg.Name, ChangeID: msg.ChangeID, Sender: a.ctx.ID})
}

// handleGroupChangeAbort undoes a change that never reached the stop step:
// new-only replicas drop the new version, old ones decide a resume in the
// old log. Every replica confirms once its part is done.
func (a *ActiveReplica) handleGroupChangeAbort(msg *packet.GroupChangeAbort) {
	old := contains(msg.OldActives, a.ctx.ID)
	if contains(msg.NewActives, a.ctx.ID) {
		a.paxos.DeleteInstance(paxos.PaxosID(msg.Name, msg.Version+1))
		a.mu.Lock()
		if rec, ok := a.names[msg.Name]; ok {
			delete(rec.versions, msg.Version+1)
			if len(rec.versions) == 0 {
				delete(a.names, msg.Name)
			}
		}
		a.mu.Unlock()
		if !old {
			a.store.Remove(msg.Name)
		}
	}
	if !old {
		a.confirmAbort(msg)
		return
	}

	a.mu.Lock()
	resumed := false
	if rec, ok := a.names[msg.Name]; ok {
		if v, ok := rec.versions[msg.Version]; ok {
			resumed = v.resumed == msg.ChangeID
		}
	}
	a.mu.Unlock()
	if resumed {
		a.confirmAbort(msg)
		return
	}
	prev := paxos.PaxosID(msg.Name, msg.Version)
	err := a.paxos.Propose(prev, packet.RequestValue{
		Name:      msg.Name,
		Value:     msg.ChangeID,
		RequestID: resumeRequestID(msg.ChangeID),
		ClientID:  a.ctx.ID,
		Resume:    true,
	})
	switch {
	case errors.Is(err, paxos.ErrNoInstance):
		a.log.Warn("nothing to resume", "paxosID", prev, "changeID", msg.ChangeID)
		a.confirmAbort(msg)
	case err != nil:
		a.log.Warn("cannot propose resume", "paxosID", prev, "error", err)
	default:
		a.log.Warn("group change aborted", "name", msg.Name, "changeID", msg.ChangeID)
	}
}

func (a *ActiveReplica) confirmAbort(msg *packet.GroupChangeAbort) {
	a.ctx.Send(msg.Primary, &packet.GroupChangeAbortConfirm{Name: msg.Name, ChangeID: msg.ChangeID, Sender: a.ctx.ID})
}

// Names lists the names served here.
func (a *ActiveReplica) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.names))
	for n, rec := range a.names {
		if _, ok := rec.serving(); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Version returns the version of name served here.
func (a *ActiveReplica) Version(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.names[name]
	if !ok {
		return 0, false
	}
	return rec.serving()
}

// call sends the packet built around a fresh request id to dest and waits
// for the CommandReturnValue answering it.
func (a *ActiveReplica) call(ctx context.Context, dest packet.NodeID, build func(id uint32) packet.Packet) (*packet.CommandReturnValue, error) {
	f := a.futures.NewFuture()
	if !a.ctx.Send(dest, build(f.ID())) {
		f.Cancel()
		return nil, fmt.Errorf("cannot reach node %d", dest)
	}
	p, err := f.Wait(ctx, a.ctx.Config.QueryTimeout)
	if err != nil {
		return nil, err
	}
	return p.(*packet.CommandReturnValue), nil
}

// AddRecord asks the name's primary to create it. Without actives the
// primary chooses them.
func (a *ActiveReplica) AddRecord(ctx context.Context, name string, actives []packet.NodeID, initial map[string]string) (*packet.CommandReturnValue, error) {
	return a.call(ctx, a.ctx.Directory.Primary(name), func(id uint32) packet.Packet {
		return &packet.AddRecord{Name: name, Actives: actives, Initial: initial, RequestID: id, ClientID: a.ctx.ID}
	})
}

func (a *ActiveReplica) RemoveRecord(ctx context.Context, name string) (*packet.CommandReturnValue, error) {
	return a.call(ctx, a.ctx.Directory.Primary(name), func(id uint32) packet.Packet {
		return &packet.RemoveRecord{Name: name, RequestID: id, ClientID: a.ctx.ID}
	})
}
