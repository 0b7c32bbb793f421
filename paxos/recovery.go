package paxos

import (
	"fmt"

	"gnspaxos/packet"
	"gnspaxos/stablestore"
)

// takeCheckpoint snapshots the application at the applied slot and
// truncates the log below it.
func (in *Instance) takeCheckpoint() {
	state, err := in.m.app.GetState(in.paxosID)
	if err != nil {
		in.log.Warn("checkpoint skipped, no application state", "slot", in.applied, "error", err)
		return
	}
	cp := &packet.Checkpoint{
		Slot:    in.applied,
		State:   state,
		Dedup:   in.dedupKeys(),
		Stopped: in.stopped,
	}
	if err := in.m.store.SaveCheckpoint(in.paxosID, cp); err != nil {
		in.log.Error("cannot save checkpoint", "slot", cp.Slot, "error", err)
		return
	}
	in.checkpoint = cp
	in.decidedLog = make(map[int64]packet.PValue)
	in.truncateLog()
	in.m.stats.Update(statCheckpoints, 1)
	in.log.Debug("checkpoint taken", "slot", cp.Slot)
}

// truncateLog rewrites the WAL with the promise and the accepts still above
// the applied slot.
func (in *Instance) truncateLog() {
	if in.wal == nil {
		return
	}
	recs := []stablestore.Record{{Kind: stablestore.RecordPromise, Ballot: in.promised}}
	for _, pv := range in.entriesFrom(in.applied+1, true) {
		if pv.Decided {
			continue
		}
		recs = append(recs, stablestore.Record{Kind: stablestore.RecordAccept, Ballot: pv.Ballot, Slot: pv.Slot, Value: pv.Value})
	}
	if err := in.wal.Reset(recs); err != nil {
		in.log.Error("cannot truncate log", "error", err)
	}
}

// restoreCheckpoint jumps the instance forward to a checkpoint taken by a
// peer. Buffered decisions above it are applied into out.
func (in *Instance) restoreCheckpoint(cp *packet.Checkpoint, out *outbox) {
	if err := in.m.app.UpdateState(in.paxosID, cp.State); err != nil {
		in.log.Error("cannot restore checkpoint", "slot", cp.Slot, "error", err)
		return
	}
	in.log.Info("restored checkpoint", "from", in.applied, "to", cp.Slot)
	in.applied = cp.Slot
	in.restoreDedup(cp.Dedup)
	in.stopped = cp.Stopped
	in.stopProposed = cp.Stopped
	for slot := range in.accepted {
		if slot <= cp.Slot {
			delete(in.accepted, slot)
		}
	}
	for _, k := range in.decided.Keys() {
		if k.(int64) <= cp.Slot {
			in.decided.Remove(k)
		}
	}
	for key := range in.outstanding {
		if in.dedup.Contains(key) {
			delete(in.outstanding, key)
		}
	}
	in.decidedLog = make(map[int64]packet.PValue)
	saved := *cp
	if err := in.m.store.SaveCheckpoint(in.paxosID, &saved); err != nil {
		in.log.Error("cannot save restored checkpoint", "slot", cp.Slot, "error", err)
	}
	in.checkpoint = &saved
	in.truncateLog()
	in.applyReady(out)
}

// recover rebuilds the instance from its checkpoint and WAL. It reports
// whether any durable state existed.
func (in *Instance) recover() (bool, error) {
	cp, err := in.m.store.LoadCheckpoint(in.paxosID)
	if err != nil {
		return false, err
	}
	if cp != nil {
		if err := in.m.app.UpdateState(in.paxosID, cp.State); err != nil {
			return false, fmt.Errorf("restore %s: %w", in.paxosID, err)
		}
		in.checkpoint = cp
		in.applied = cp.Slot
		in.restoreDedup(cp.Dedup)
		in.stopped = cp.Stopped
		in.stopProposed = cp.Stopped
	}
	records := 0
	err = in.wal.Replay(func(rec stablestore.Record) error {
		records++
		if rec.Ballot.GreaterThan(in.promised) {
			in.promised = rec.Ballot
		}
		if rec.Kind == stablestore.RecordAccept && rec.Slot > in.applied {
			in.accepted[rec.Slot] = packet.PValue{Slot: rec.Slot, Ballot: rec.Ballot, Value: rec.Value}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("replay %s: %w", in.paxosID, err)
	}
	return cp != nil || records > 0, nil
}
