// Package demux decodes inbound envelopes and hands them to the component
// registered for their type. Handling always happens on the executor.
package demux

import (
	"sync"
	"sync/atomic"

	"gnspaxos/packet"
	"gnspaxos/process"
	"gnspaxos/stats"

	"github.com/hashicorp/go-hclog"
)

const statHandled = "Handled"

type Handler interface {
	HandlePacket(p packet.Packet)
}

type HandlerFunc func(p packet.Packet)

func (f HandlerFunc) HandlePacket(p packet.Packet) { f(p) }

type route struct {
	h    Handler
	name string
}

type Demux struct {
	ctx *process.Context
	log hclog.Logger

	mu     sync.RWMutex
	routes map[packet.Type]route

	total    atomic.Int64
	rejected atomic.Int64
	stats    *stats.TimeseriesStats
}

func New(ctx *process.Context) *Demux {
	return &Demux{
		ctx:    ctx,
		log:    ctx.Named("demux"),
		routes: make(map[packet.Type]route),
		stats:  stats.TimeseriesStatsNew([]string{statHandled}, nil, ctx.Config.StatsInterval),
	}
}

// Register routes t to h. component only labels log lines.
func (d *Demux) Register(t packet.Type, component string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[t] = route{h: h, name: component}
	d.log.Trace("route registered", "type", t, "component", component)
}

// Handle decodes data and dispatches it. Malformed and unknown envelopes
// are logged and reported as not handled.
func (d *Demux) Handle(data []byte) bool {
	p, err := packet.Unmarshal(data)
	if err != nil {
		d.rejected.Add(1)
		d.log.Warn("dropping envelope", "error", err, "len", len(data))
		return false
	}
	return d.HandlePacket(p)
}

func (d *Demux) HandlePacket(p packet.Packet) bool {
	d.mu.RLock()
	r, ok := d.routes[p.Type()]
	d.mu.RUnlock()
	if !ok {
		d.rejected.Add(1)
		d.log.Warn("no route for packet", "type", p.Type())
		return false
	}
	if !d.ctx.Executor.Submit(func() { r.h.HandlePacket(p) }) {
		d.rejected.Add(1)
		return false
	}
	d.total.Add(1)
	d.stats.Update(statHandled, 1)
	d.log.Trace("dispatched", "type", p.Type(), "component", r.name)
	return true
}

func (d *Demux) Total() int64 {
	return d.total.Load()
}

func (d *Demux) Rejected() int64 {
	return d.rejected.Load()
}

// Start logs message counts every StatsInterval.
func (d *Demux) Start() {
	d.stats.GoClock(d.logInterval)
}

func (d *Demux) logInterval() {
	snap := d.stats.PrintAndReset()
	d.log.Info("message counts",
		"interval", d.stats.Intervals(),
		"total", d.total.Load(),
		"intervalCount", snap[statHandled],
		"node", d.ctx.ID)
}

func (d *Demux) Stop() {
	d.stats.Close()
}
