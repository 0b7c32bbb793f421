// Package nodeconfig resolves node ids to addresses and ranks nodes by
// measured round-trip time.
package nodeconfig

import (
	"hash/fnv"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"gnspaxos/packet"
)

const ewmaWeight = 0.1

func EwmaAdd(ewma float64, weight float64, ob float64) float64 {
	return (1-weight)*ewma + weight*ob
}

type Directory struct {
	mu    sync.RWMutex
	nodes map[packet.NodeID]NodeInfo
	ids   []packet.NodeID
	ewma  map[packet.NodeID]float64 // nanoseconds
}

func New(nodes []NodeInfo) *Directory {
	d := &Directory{
		nodes: make(map[packet.NodeID]NodeInfo, len(nodes)),
		ewma:  make(map[packet.NodeID]float64),
	}
	for _, n := range nodes {
		d.nodes[n.ID] = n
		d.ids = append(d.ids, n.ID)
	}
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i] < d.ids[j] })
	return d
}

func (d *Directory) Address(id packet.NodeID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return "", false
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port)), true
}

// NodeIDs returns all ids in ascending order.
func (d *Directory) NodeIDs() []packet.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]packet.NodeID(nil), d.ids...)
}

func (d *Directory) Contains(id packet.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[id]
	return ok
}

// UpdateLatency folds one round-trip sample into the node's average.
func (d *Directory) UpdateLatency(id packet.NodeID, rtt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.ewma[id]
	if !ok {
		d.ewma[id] = float64(rtt)
		return
	}
	d.ewma[id] = EwmaAdd(prev, ewmaWeight, float64(rtt))
}

// Latency returns the averaged round trip, false when never measured.
func (d *Directory) Latency(id packet.NodeID) (time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.ewma[id]
	return time.Duration(v), ok
}

// ClosestNode picks the candidate with the lowest measured latency.
// Unmeasured nodes rank last; ties go to the lower id.
func (d *Directory) ClosestNode(candidates []packet.NodeID) (packet.NodeID, bool) {
	return d.closest(candidates, nil)
}

// ClosestExcluding is ClosestNode over candidates not in exclude.
func (d *Directory) ClosestExcluding(candidates []packet.NodeID, exclude map[packet.NodeID]bool) (packet.NodeID, bool) {
	return d.closest(candidates, exclude)
}

func (d *Directory) closest(candidates []packet.NodeID, exclude map[packet.NodeID]bool) (packet.NodeID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	best := packet.NodeID(-1)
	bestLat := math.Inf(1)
	found := false
	for _, c := range candidates {
		if exclude[c] {
			continue
		}
		if _, ok := d.nodes[c]; !ok {
			continue
		}
		lat, ok := d.ewma[c]
		if !ok {
			lat = math.MaxFloat64
		}
		if !found || lat < bestLat || (lat == bestLat && c < best) {
			best, bestLat, found = c, lat, true
		}
	}
	return best, found
}

// SortByLatency orders candidates closest first.
func (d *Directory) SortByLatency(candidates []packet.NodeID) []packet.NodeID {
	out := append([]packet.NodeID(nil), candidates...)
	d.mu.RLock()
	defer d.mu.RUnlock()
	lat := func(id packet.NodeID) float64 {
		if v, ok := d.ewma[id]; ok {
			return v
		}
		return math.MaxFloat64
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := lat(out[i]), lat(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// Primary is the node coordinating reconfiguration of name. Every node
// computes the same answer from the same node file.
func (d *Directory) Primary(name string) packet.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.ids) == 0 {
		return -1
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return d.ids[h.Sum32()%uint32(len(d.ids))]
}
