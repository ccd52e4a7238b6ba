package fabric

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// promisedMsg is one outbound message plus the callback that should
// fire once it has been written (or has failed to write).
type promisedMsg struct {
	ctx     context.Context
	msg     Message
	promise func(error)
	enqueue time.Time
}

// conn manages one TCP connection to one peer at one priority. Each
// priority gets its own connection so that low-priority record
// streaming can never head-of-line block a START/DONE handshake or a
// replicated-write ack, mirroring broker.go's cxnProduce/cxnFetch/
// cxnGroup/cxnSlow/cxnNormal split (there: split by request kind;
// here: split by fabric.Priority).
type conn struct {
	t    *Cluster
	peer *peerConn

	addr string

	netConn   net.Conn
	connMu    sync.Mutex
	connected bool

	outs ring[promisedMsg]

	lastWrite int64 // unix nanos, atomic
	lastRead  int64 // unix nanos, atomic
	writing   uint32
	reading   uint32

	dead   int32
	deadCh chan struct{}
}

func newConn(t *Cluster, p *peerConn, addr string) *conn {
	return &conn{
		t:      t,
		peer:   p,
		addr:   addr,
		deadCh: make(chan struct{}),
	}
}

func (c *conn) isDead() bool { return atomic.LoadInt32(&c.dead) == 1 }

func (c *conn) die(err error) {
	if !atomic.CompareAndSwapInt32(&c.dead, 0, 1) {
		return
	}
	c.connMu.Lock()
	wasConnected := c.connected
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.connMu.Unlock()
	close(c.deadCh)
	c.outs.die(func(pm promisedMsg) { pm.promise(ErrPeerDead) })
	if wasConnected {
		c.t.peerDisconnect(c.peer.id, err)
	}
}

// ensureConnected dials lazily on first use, the same way
// broker.loadConnection does.
func (c *conn) ensureConnected(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if c.t.cfg.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.t.cfg.dialTimeout)
		defer cancel()
	}
	nc, err := c.t.cfg.dialFn(dialCtx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("fabric: dial %s: %w", c.addr, err)
	}
	c.netConn = nc
	c.connected = true
	c.t.peerConnect(c.peer.id)
	return nil
}

// send pipelines a write: the first caller to push onto outs starts
// handleOuts, everyone else just enqueues, following broker.go's
// broker.do/handleReqs pattern.
func (c *conn) send(ctx context.Context, msg Message, promise func(error)) {
	pm := promisedMsg{ctx, msg, promise, time.Now()}
	first, dead := c.outs.push(pm)
	if dead {
		promise(ErrPeerDead)
		return
	}
	if first {
		go c.handleOuts(pm)
	}
}

func (c *conn) handleOuts(pm promisedMsg) {
	var more, dead bool
start:
	if dead {
		pm.promise(ErrPeerDead)
	} else {
		c.handleOut(pm)
	}
	pm, more, dead = c.outs.dropPeek()
	if more {
		goto start
	}
}

func (c *conn) handleOut(pm promisedMsg) {
	if err := c.ensureConnected(pm.ctx); err != nil {
		pm.promise(err)
		c.die(err)
		return
	}
	select {
	case <-pm.ctx.Done():
		pm.promise(pm.ctx.Err())
		return
	default:
	}
	if err := c.writeFrame(pm.ctx, pm.msg.Encode()); err != nil {
		pm.promise(err)
		c.die(err)
		return
	}
	pm.promise(nil)
}

func (c *conn) writeFrame(ctx context.Context, buf []byte) error {
	atomic.StoreUint32(&c.writing, 1)
	defer func() {
		atomic.StoreInt64(&c.lastWrite, time.Now().UnixNano())
		atomic.StoreUint32(&c.writing, 0)
	}()

	if timeout := c.t.cfg.requestTimeout; timeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := c.netConn.Write(buf)
		writeDone <- err
	}()
	select {
	case err := <-writeDone:
		return err
	case <-ctx.Done():
		c.netConn.SetWriteDeadline(time.Now())
		<-writeDone
		return ctx.Err()
	case <-c.deadCh:
		<-writeDone
		return ErrPeerDead
	}
}

// readLoop continuously reads framed messages off the connection and
// dispatches them to the transport's registered handler, the
// inbound-side analog of broker.go's handleResps. Each connection is
// read serially by exactly one goroutine, but each decoded message is
// handed to its handler on a goroutine of its own, so handling of
// inbound messages from one source is not serialized.
func (c *conn) readLoop(ctx context.Context) {
	var loopErr error
	defer func() { c.die(loopErr) }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.deadCh:
			return
		default:
		}
		buf, err := c.readFrame(ctx)
		if err != nil {
			if !c.isDead() {
				c.t.cfg.logger.Log(LogLevelDebug, "fabric: read loop ending", "peer", c.peer.id, "err", err)
			}
			loopErr = err
			return
		}
		msg, err := DecodeMessage(buf)
		if err != nil {
			c.t.cfg.logger.Log(LogLevelWarn, "fabric: malformed frame, dropping connection", "peer", c.peer.id, "err", err)
			loopErr = err
			return
		}
		h := c.t.handler(msg.Type)
		if h == nil {
			continue
		}
		go func() {
			reply, err := h(ctx, c.peer.id, msg)
			if err != nil {
				c.t.cfg.logger.Log(LogLevelDebug, "fabric: handler error", "peer", c.peer.id, "type", msg.Type, "err", err)
			}
			if reply != nil {
				replyMsg := Message{Type: msg.Type, Priority: msg.Priority, Body: reply}
				if err := c.t.Send(ctx, c.peer.id, replyMsg); err != nil {
					c.t.cfg.logger.Log(LogLevelDebug, "fabric: reply send failed", "peer", c.peer.id, "type", msg.Type, "err", err)
				}
			}
		}()
	}
}

func (c *conn) readFrame(ctx context.Context) ([]byte, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	atomic.StoreUint32(&c.reading, 1)
	defer func() {
		atomic.StoreInt64(&c.lastRead, time.Now().UnixNano())
		atomic.StoreUint32(&c.reading, 0)
	}()

	header := make([]byte, 5)
	if _, err := io.ReadFull(c.netConn, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[1:5])
	if n > c.t.cfg.maxFrameBytes {
		return nil, fmt.Errorf("fabric: frame of %d bytes exceeds limit %d", n, c.t.cfg.maxFrameBytes)
	}
	body := make([]byte, 5+n)
	copy(body, header)
	if n > 0 {
		if _, err := io.ReadFull(c.netConn, body[5:]); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// idle reports whether neither a read nor a write has completed
// within idleTimeout and nothing is in flight right now, mirroring
// broker.reapConnections.
func (c *conn) idle(idleTimeout time.Duration) bool {
	lastWrite := time.Unix(0, atomic.LoadInt64(&c.lastWrite))
	lastRead := time.Unix(0, atomic.LoadInt64(&c.lastRead))
	writeIdle := time.Since(lastWrite) > idleTimeout && atomic.LoadUint32(&c.writing) == 0
	readIdle := time.Since(lastRead) > idleTimeout && atomic.LoadUint32(&c.reading) == 0
	return writeIdle && readIdle
}
