// Package process holds the per-node context handed to every component in
// place of global configuration and singletons.
package process

import (
	"gnspaxos/config"
	"gnspaxos/nodeconfig"
	"gnspaxos/packet"

	"github.com/hashicorp/go-hclog"
)

type Context struct {
	ID        packet.NodeID
	Config    *config.Config
	Directory *nodeconfig.Directory
	Executor  *Executor
	Sender    packet.Sender
	Logger    hclog.Logger
}

// NewContext validates cfg and starts the executor. The sender is attached
// later, once the transport exists.
func NewContext(id packet.NodeID, cfg *config.Config, dir *nodeconfig.Directory, logger hclog.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With("node", id)
	return &Context{
		ID:        id,
		Config:    cfg,
		Directory: dir,
		Executor:  NewExecutor(cfg.Workers, cfg.QueueSize, logger.Named("executor")),
		Logger:    logger,
	}, nil
}

func (c *Context) Named(component string) hclog.Logger {
	return c.Logger.Named(component)
}

// Send is a shorthand for c.Sender.SendPacket.
func (c *Context) Send(dest packet.NodeID, p packet.Packet) bool {
	if c.Sender == nil {
		c.Logger.Warn("no sender attached, dropping packet", "type", p.Type(), "dest", dest)
		return false
	}
	return c.Sender.SendPacket(dest, p)
}

func (c *Context) Shutdown() {
	c.Executor.Stop()
}
