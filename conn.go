// Package stream carries length-prefixed messages over TCP.
//
// Every message travels as a frame: a 2-byte big-endian payload length
// followed by that many payload bytes. The Reassembler turns whatever chunks
// the socket delivers back into whole payloads; Conn and Server wrap it with
// asynchronous read/write loops, a pluggable Codec and idle timeout handling.
package stream

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("stream: invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("stream: connection closed")
	// ErrTruncatedFrame is returned when the peer closes the stream partway through a frame.
	ErrTruncatedFrame = errors.New("stream: connection closed mid-frame")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("stream: send buffer full")

// Default configuration values.
const (
	// defaultBufferSize is the default size of the message channel buffer.
	defaultBufferSize = 1
	// defaultReadBufferSize is the default number of bytes requested per read.
	defaultReadBufferSize = 4096
	// defaultIdleTimeout is the default heartbeat; deadlines are twice this.
	defaultIdleTimeout = 30 * time.Second
)

// Conn is one framed TCP connection. Incoming bytes are fed to a private
// Reassembler and every completed payload is decoded and handed to the
// OnMessage callback in arrival order; outgoing messages are encoded and
// prefixed with their length before they are queued for the write loop.
type Conn struct {
	id          string
	rawConn     *net.TCPConn
	reassembler *Reassembler
	logger      Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns ErrInvalidOnMessage if no message handler is configured.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.maxPayloadLength <= 0 || opts.maxPayloadLength > MaxPayloadLen {
		opts.maxPayloadLength = MaxPayloadLen
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.codec == nil {
		opts.codec = RawCodec{}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		rawConn:     c,
		reassembler: NewReassembler(MaxPayloadLength(uint16(opts.maxPayloadLength))),
		logger:      withAttrs(opts.logger, "conn_id", id),
		opts:        opts,
		sendMsg:     make(chan []byte, opts.bufferSize),
	}
}

// ID returns the unique identifier assigned to the connection.
func (c *Conn) ID() string {
	return c.id
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs or the context is canceled, then closes the
// connection. A peer that disconnects between frames yields io.EOF; one that
// disconnects inside a frame yields ErrTruncatedFrame.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"max_payload_length", c.opts.maxPayloadLength,
		"idle_timeout", c.opts.idleTimeout)

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		// Wake a Read or Write blocked on its idle deadline.
		_ = c.rawConn.SetDeadline(time.Now())
		return nil
	})

	err := group.Wait()
	c.closeConn()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		c.logger.Info("connection closed", "addr", c.Addr())
	case errors.Is(err, io.EOF):
		c.logger.Info("connection closed by peer", "addr", c.Addr())
	default:
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	}

	return err
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write sends a message through the connection without blocking (fire-and-forget).
// The message is encoded, framed and queued for sending.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - ErrPayloadTooLarge: encoded payload exceeds MessageMaxSize
//   - encoding error: if codec.Encode fails
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking sends a message through the connection, blocking until the message
// is queued or the context is canceled.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
//   - ErrPayloadTooLarge or encoding error: message could not be framed
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout sends a message through the connection with a timeout.
// This provides a middle ground between Write (non-blocking) and WriteBlocking.
//
// Returns:
//   - nil: message was successfully queued
//   - ErrBufferFull: timeout expired before message could be queued
//   - ErrConnectionClosed: connection is closed
//   - ErrPayloadTooLarge or encoding error: message could not be framed
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.frame(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// frame encodes message and prefixes it with its length.
func (c *Conn) frame(message Message) ([]byte, error) {
	payload, err := c.opts.codec.Encode(message)
	if err != nil {
		return nil, err
	}
	return appendFrame(make([]byte, 0, HeaderLen+len(payload)), payload, c.opts.maxPayloadLength)
}

// readLoop reads whatever the socket has, feeds it to the reassembler and
// dispatches the frames it completed. Returns when the context is canceled,
// the peer goes away or an unrecoverable error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			if ierr := c.ingest(buf[:n]); ierr != nil {
				return ierr
			}
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		if errors.Is(err, io.EOF) {
			return c.endOfStream()
		}

		c.logger.Debug("read error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
}

// ingest pushes one read's worth of bytes through the reassembler. Frames that
// completed before a framing error are still delivered; the error itself always
// ends the connection.
func (c *Conn) ingest(chunk []byte) error {
	recordBytesRead(len(chunk))

	_, ferr := c.reassembler.Write(chunk)
	if err := c.dispatch(); err != nil {
		return err
	}

	if ferr != nil {
		recordStreamError(ferr)
		c.logger.Warn("stream framing lost", "addr", c.Addr(), "error", ferr)
		return ferr
	}
	return nil
}

// dispatch decodes and delivers every completed payload, oldest first.
func (c *Conn) dispatch() error {
	for _, payload := range c.reassembler.Drain() {
		recordFrame(len(payload))

		message, err := c.opts.codec.Decode(payload)
		if err != nil {
			c.logger.Debug("decode error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
	return nil
}

// endOfStream classifies a peer close: clean between frames, truncated inside one.
func (c *Conn) endOfStream() error {
	r := c.reassembler
	if r.Phase() == PhaseHeader && r.Remaining() == HeaderLen {
		return io.EOF
	}

	err := errors.Wrapf(ErrTruncatedFrame, "%s phase needed %d more bytes", r.Phase(), r.Remaining())
	recordStreamError(err)
	c.logger.Warn("peer closed mid-frame", "addr", c.Addr(),
		"phase", r.Phase().String(), "remaining", r.Remaining())
	return err
}

// writeLoop continuously sends framed messages from the send channel to the connection.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(ctx, data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(ctx context.Context, data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))

	// Checked after arming the deadline so a cancel cannot slip in between.
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := c.rawConn.Write(data)
	recordBytesWritten(n)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	_ = c.rawConn.Close()
}
