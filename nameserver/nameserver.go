// Package nameserver assembles one node: transport, demultiplexer,
// consensus engine, applier and replica controller.
package nameserver

import (
	"context"
	"sync"
	"time"

	"gnspaxos/activereplica"
	"gnspaxos/demux"
	"gnspaxos/dlog"
	"gnspaxos/nio"
	"gnspaxos/packet"
	"gnspaxos/paxos"
	"gnspaxos/process"
	"gnspaxos/recordstore"
	"gnspaxos/replicacontroller"
	"gnspaxos/stats"

	"github.com/hashicorp/go-hclog"
)

type Server struct {
	ctx *process.Context
	log hclog.Logger

	Demux      *demux.Demux
	Transport  *nio.Transport
	Paxos      *paxos.Manager
	Replica    *activereplica.ActiveReplica
	Controller *replicacontroller.Controller
	Records    *recordstore.Store

	load *stats.LoadSampler

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wires a node around ctx. A TCP transport becomes ctx.Sender unless
// the caller attached one already.
func New(ctx *process.Context) (*Server, error) {
	s := &Server{
		ctx:     ctx,
		log:     ctx.Named("nameserver"),
		Demux:   demux.New(ctx),
		Records: recordstore.New(),
		load:    stats.NewLoadSampler(),
		done:    make(chan struct{}),
	}
	s.Replica = activereplica.New(ctx, s.Records)
	m, err := paxos.NewManager(ctx, s.Replica)
	if err != nil {
		return nil, err
	}
	s.Paxos = m
	s.Replica.SetManager(m)
	s.Controller = replicacontroller.New(ctx)

	for _, t := range s.Paxos.Types() {
		s.Demux.Register(t, "paxos", s.Paxos)
	}
	for _, t := range s.Replica.Types() {
		s.Demux.Register(t, "activereplica", s.Replica)
	}
	for _, t := range s.Controller.Types() {
		s.Demux.Register(t, "replicacontroller", s.Controller)
	}

	if ctx.Sender == nil {
		s.Transport = nio.New(ctx.ID, ctx.Config, ctx.Directory, s.Demux, ctx.Logger)
		ctx.Sender = s.Transport
	}
	return s, nil
}

func (s *Server) Start() error {
	if s.Transport != nil {
		if err := s.Transport.Listen(); err != nil {
			return err
		}
	}
	s.Demux.Start()
	s.Paxos.Start()
	s.Controller.Start()
	s.wg.Add(1)
	go s.reportLoad()
	dlog.AgentPrintfN(int32(s.ctx.ID), "Name server started with %d peers", len(s.ctx.Directory.NodeIDs()))
	return nil
}

// reportLoad sends this node's load to every node each LoadInterval.
func (s *Server) reportLoad() {
	defer s.wg.Done()
	t := time.NewTicker(s.ctx.Config.LoadInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			msg := &packet.NameServerLoad{Sender: s.ctx.ID, Load: s.load.Sample()}
			for _, id := range s.ctx.Directory.NodeIDs() {
				s.ctx.Send(id, msg)
			}
			s.log.Trace("load reported", "load", msg.Load)
		case <-s.done:
			return
		}
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.Controller.Close()
		s.Paxos.Close()
		s.Demux.Stop()
		if s.Transport != nil {
			s.Transport.Close()
		}
		s.ctx.Shutdown()
		s.log.Info("name server stopped")
	})
}

func (s *Server) AddRecord(ctx context.Context, name string, actives []packet.NodeID, initial map[string]string) (*packet.CommandReturnValue, error) {
	return s.Replica.AddRecord(ctx, name, actives, initial)
}

func (s *Server) RemoveRecord(ctx context.Context, name string) (*packet.CommandReturnValue, error) {
	return s.Replica.RemoveRecord(ctx, name)
}

func (s *Server) Update(ctx context.Context, name, field, value, op string) (*packet.CommandReturnValue, error) {
	return s.Replica.Update(ctx, name, field, value, op)
}

func (s *Server) Read(ctx context.Context, name, field string) (string, packet.ResponseCode, error) {
	return s.Replica.Read(ctx, name, field)
}

// ProposeGroupChange hands a new replica set for name to its primary.
func (s *Server) ProposeGroupChange(name string, actives []packet.NodeID) {
	s.ctx.Send(s.ctx.Directory.Primary(name), &packet.ProposeGroupChange{Name: name, NewActives: actives})
}
