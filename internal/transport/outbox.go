package transport

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Outbox errors.
var (
	ErrOutboxClosed = errors.New("outbox closed")
	ErrOutboxFull   = errors.New("outbox full")
)

// Outbox is the single writer of a connection's outbound half. Senders
// enqueue without blocking; one goroutine drains the queue onto the Conn,
// so messages from the reply path and from broadcasts never interleave and
// keep the order in which they were enqueued.
type Outbox struct {
	conn   *Conn
	logger *zap.Logger

	mu     sync.Mutex
	frames chan []byte
	closed bool
	err    error

	done chan struct{}
}

// NewOutbox starts the writer goroutine for conn.
//
// Precondition: size must be >= 1; conn and logger must be non-nil.
// Postcondition: Returns an open Outbox. Done is closed once the writer exits.
func NewOutbox(conn *Conn, size int, logger *zap.Logger) *Outbox {
	o := &Outbox{
		conn:   conn,
		logger: logger,
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Outbox) run() {
	defer close(o.done)
	for frame := range o.frames {
		if err := o.conn.WriteFrame(frame); err != nil {
			o.fail(fmt.Errorf("writing to %s: %w", o.conn.RemoteAddr(), err))
			_ = o.conn.Close()
			// Discard whatever is still queued so senders never block.
			for range o.frames {
			}
			return
		}
	}
}

// Send encodes m and enqueues it.
//
// Postcondition: Returns nil if the message was queued. A full queue fails
// the outbox and closes the connection; later sends return ErrOutboxClosed.
func (o *Outbox) Send(m protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", m, err)
	}
	return o.SendFrame(b)
}

// SendFrame enqueues pre-encoded bytes.
func (o *Outbox) SendFrame(b []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	select {
	case o.frames <- b:
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		o.fail(ErrOutboxFull)
		// Senders may hold a room lock; a TLS close can block on the write side.
		go func() { _ = o.conn.Close() }()
		return ErrOutboxFull
	}
}

// fail records err and stops accepting frames. The caller closes the
// connection so the session's read loop observes the failure.
func (o *Outbox) fail(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	o.mu.Unlock()

	o.logger.Debug("outbox failed",
		observability.ConnID(o.conn.ID()),
		zap.Error(err),
	)
}

// Close stops accepting frames. Already queued frames are still written.
//
// Postcondition: Done is closed once the queue is drained or a write fails.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// Done is closed when the writer goroutine has exited.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Err returns the failure that stopped the outbox, or nil.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
