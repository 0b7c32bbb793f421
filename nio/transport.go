// Package nio carries framed packets between name servers. One actor
// goroutine owns all connection state; dialers, readers, writers and the
// acceptor only post closures back to it.
package nio

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gnspaxos/config"
	"gnspaxos/packet"

	"github.com/hashicorp/go-hclog"
	reuse "github.com/portmapping/go-reuse"
)

const readBufferSize = 8192

var ErrClosed = errors.New("transport closed")

// Handler consumes complete payloads. It must not block.
type Handler interface {
	Handle(data []byte) bool
}

type Resolver interface {
	Address(id packet.NodeID) (string, bool)
}

type conn struct {
	dest    packet.NodeID
	nc      net.Conn
	pending [][]byte
	out     chan []byte
	closed  chan struct{}
}

func (c *conn) connected() bool {
	return c.nc != nil
}

type Transport struct {
	id      packet.NodeID
	cfg     *config.Config
	dir     Resolver
	handler Handler
	log     hclog.Logger

	inbox chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	listener net.Listener

	// owned by the actor
	conns    map[packet.NodeID]*conn
	attempts map[packet.NodeID]int
	failedAt map[packet.NodeID]time.Time
	accepted map[net.Conn]struct{}
	closing  bool

	initiated atomic.Int64
	closeOnce sync.Once
}

func New(id packet.NodeID, cfg *config.Config, dir Resolver, handler Handler, logger hclog.Logger) *Transport {
	t := &Transport{
		id:       id,
		cfg:      cfg,
		dir:      dir,
		handler:  handler,
		log:      logger.Named("nio"),
		inbox:    make(chan func(), 1024),
		done:     make(chan struct{}),
		conns:    make(map[packet.NodeID]*conn),
		attempts: make(map[packet.NodeID]int),
		failedAt: make(map[packet.NodeID]time.Time),
		accepted: make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Listen binds the local address from the directory and accepts inbound
// connections. Accepted connections are only read from.
func (t *Transport) Listen() error {
	addr, ok := t.dir.Address(t.id)
	if !ok {
		return errors.New("no address for local node")
	}
	l, err := reuse.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = l
	t.log.Info("listening", "addr", l.Addr().String())
	t.wg.Add(1)
	go t.acceptLoop(l)
	return nil
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Send frames payload towards dest. Local sends bypass the network.
func (t *Transport) Send(dest packet.NodeID, payload []byte) bool {
	if dest == t.id {
		return t.handler.Handle(payload)
	}
	frame := Encode(payload)
	reply := make(chan bool, 1)
	if !t.post(func() { reply <- t.enqueue(dest, frame) }) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-t.done:
		return false
	}
}

// SendPacket makes the transport a packet.Sender.
func (t *Transport) SendPacket(dest packet.NodeID, p packet.Packet) bool {
	data, err := packet.Marshal(p)
	if err != nil {
		t.log.Error("cannot encode packet", "type", p.Type(), "error", err)
		return false
	}
	return t.Send(dest, data)
}

// Initiated counts connections this node has started dialing.
func (t *Transport) Initiated() int64 {
	return t.initiated.Load()
}

// ConnectAttempts returns the failed-or-pending attempt count towards dest.
func (t *Transport) ConnectAttempts(dest packet.NodeID) int {
	res := make(chan int, 1)
	if !t.post(func() { res <- t.attempts[dest] }) {
		return 0
	}
	select {
	case n := <-res:
		return n
	case <-t.done:
		return 0
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.listener != nil {
			t.listener.Close()
		}
		ack := make(chan struct{})
		if t.post(func() {
			t.closing = true
			for _, c := range t.conns {
				t.closeConn(c)
			}
			for nc := range t.accepted {
				nc.Close()
			}
			close(ack)
		}) {
			<-ack
		}
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

func (t *Transport) run() {
	defer t.wg.Done()
	for {
		select {
		case f := <-t.inbox:
			f()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) post(f func()) bool {
	select {
	case t.inbox <- f:
		return true
	case <-t.done:
		return false
	}
}

// enqueue runs on the actor.
func (t *Transport) enqueue(dest packet.NodeID, frame []byte) bool {
	if t.closing {
		return false
	}
	if c, ok := t.conns[dest]; ok {
		if !c.connected() {
			c.pending = append(c.pending, frame)
			return true
		}
		select {
		case c.out <- frame:
			return true
		default:
			t.log.Warn("write queue full, dropping frame", "dest", dest)
			return false
		}
	}
	if n := t.attempts[dest]; n >= t.cfg.MaxConnectAttempts {
		if time.Since(t.failedAt[dest]) < t.cfg.ConnectCooldown {
			t.log.Warn("connection attempts exhausted", "dest", dest, "attempts", n)
			return false
		}
		t.log.Info("retrying node after cooldown", "dest", dest)
		t.attempts[dest] = 0
	}
	addr, ok := t.dir.Address(dest)
	if !ok {
		t.log.Warn("no address for node", "dest", dest)
		return false
	}
	t.attempts[dest]++
	t.initiated.Add(1)
	c := &conn{dest: dest, pending: [][]byte{frame}, closed: make(chan struct{})}
	t.conns[dest] = c
	t.log.Debug("connecting", "dest", dest, "addr", addr, "attempt", t.attempts[dest])
	t.wg.Add(1)
	go t.dial(c, addr)
	return true
}

func (t *Transport) dial(c *conn, addr string) {
	defer t.wg.Done()
	nc, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if !t.post(func() { t.dialed(c, nc, err) }) && nc != nil {
		nc.Close()
	}
}

func (t *Transport) dialed(c *conn, nc net.Conn, err error) {
	if t.conns[c.dest] != c || t.closing {
		if nc != nil {
			nc.Close()
		}
		return
	}
	if err != nil {
		delete(t.conns, c.dest)
		t.failedAt[c.dest] = time.Now()
		t.log.Warn("connect failed", "dest", c.dest, "attempt", t.attempts[c.dest], "dropped", len(c.pending), "error", err)
		return
	}
	t.attempts[c.dest] = 0
	delete(t.failedAt, c.dest)
	c.nc = nc
	c.out = make(chan []byte, t.cfg.WriteQueueLen)
	for _, f := range c.pending {
		select {
		case c.out <- f:
		default:
			t.log.Warn("write queue full, dropping frame", "dest", c.dest)
		}
	}
	c.pending = nil
	t.log.Debug("connected", "dest", c.dest)
	t.wg.Add(2)
	go t.writeLoop(c)
	go t.readLoop(c.nc, c)
}

// drop runs on the actor.
func (t *Transport) drop(c *conn, err error) {
	if t.conns[c.dest] != c {
		return
	}
	delete(t.conns, c.dest)
	t.closeConn(c)
	t.log.Info("connection dropped", "dest", c.dest, "error", err)
}

func (t *Transport) closeConn(c *conn) {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	if c.nc != nil {
		c.nc.Close()
	}
}

func (t *Transport) writeLoop(c *conn) {
	defer t.wg.Done()
	w := bufio.NewWriter(c.nc)
	for {
		select {
		case f := <-c.out:
			_, err := w.Write(f)
			if err == nil && len(c.out) == 0 {
				err = w.Flush()
			}
			if err != nil {
				t.post(func() { t.drop(c, err) })
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop serves both dialed and accepted connections; c is nil for the
// latter.
func (t *Transport) readLoop(nc net.Conn, c *conn) {
	defer t.wg.Done()
	dec := NewDecoder(t.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				if !t.handler.Handle(f) {
					t.log.Trace("frame not handled", "remote", nc.RemoteAddr().String())
				}
			}
			if ferr != nil {
				t.log.Warn("closing connection on bad frame", "remote", nc.RemoteAddr().String(), "error", ferr)
				err = ferr
			}
		}
		if err != nil {
			if c != nil {
				t.post(func() { t.drop(c, err) })
			} else {
				t.post(func() { delete(t.accepted, nc) })
				nc.Close()
			}
			return
		}
	}
}

func (t *Transport) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.log.Debug("listener closed", "error", err)
			return
		}
		if !t.post(func() { t.adopt(nc) }) {
			nc.Close()
			return
		}
	}
}

// adopt starts reading an accepted connection. Runs on the actor.
func (t *Transport) adopt(nc net.Conn) {
	if t.closing {
		nc.Close()
		return
	}
	t.accepted[nc] = struct{}{}
	t.wg.Add(1)
	go t.readLoop(nc, nil)
}
