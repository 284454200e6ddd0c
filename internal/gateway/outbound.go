package gateway

import (
	"context"
	"sync"
	"time"

	"pkt.systems/roomsync/schema"
)

// Conn is the send side of a transport. Only the Outbound writer calls it,
// so implementations need not be safe for concurrent use.
type Conn interface {
	WriteFrame(frame schema.Frame, deadline time.Time) error
	WritePing(deadline time.Time) error
	WriteClose(code int, reason string, deadline time.Time) error
}

type closeRequest struct {
	code   int
	reason string
}

// Outbound is a room.Peer backed by a bounded queue and one writer
// goroutine. Send never blocks: a full queue drops the frame.
type Outbound struct {
	id           schema.PeerID
	conn         Conn
	queue        chan schema.Frame
	closeCh      chan closeRequest
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
}

// NewOutbound returns a peer that writes to conn once Run is started.
func NewOutbound(id schema.PeerID, conn Conn, queue int, writeTimeout, pingInterval time.Duration) *Outbound {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Outbound{
		id:           id,
		conn:         conn,
		queue:        make(chan schema.Frame, queue),
		closeCh:      make(chan closeRequest, 1),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (o *Outbound) ID() schema.PeerID { return o.id }

// Send queues frame for the writer.
func (o *Outbound) Send(frame schema.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return schema.ErrPeerClosed
	}
	select {
	case o.queue <- frame:
		return nil
	default:
		return schema.ErrPeerQueueFull
	}
}

// Shutdown asks the writer to flush queued frames, send a close message
// and stop. Later sends fail with schema.ErrPeerClosed.
func (o *Outbound) Shutdown(code int, reason string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	select {
	case o.closeCh <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// Run writes queued frames until Shutdown, a write error or ctx is done.
func (o *Outbound) Run(ctx context.Context) error {
	var ping <-chan time.Time
	if o.pingInterval > 0 {
		ticker := time.NewTicker(o.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			o.markClosed()
			return nil
		case frame := <-o.queue:
			if err := o.conn.WriteFrame(frame, o.deadline()); err != nil {
				o.markClosed()
				return err
			}
		case <-ping:
			if err := o.conn.WritePing(o.deadline()); err != nil {
				o.markClosed()
				return err
			}
		case req := <-o.closeCh:
			return o.flushAndClose(req)
		}
	}
}

func (o *Outbound) flushAndClose(req closeRequest) error {
	for {
		select {
		case frame := <-o.queue:
			if err := o.conn.WriteFrame(frame, o.deadline()); err != nil {
				return err
			}
		default:
			return o.conn.WriteClose(req.code, req.reason, o.deadline())
		}
	}
}

func (o *Outbound) deadline() time.Time {
	return time.Now().Add(o.writeTimeout)
}

func (o *Outbound) markClosed() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}
