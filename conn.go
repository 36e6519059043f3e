// Package lspbridge bridges hosts that exchange structured JSON-RPC messages,
// one message per event, with language server engines that speak the LSP
// base protocol over a byte stream.
//
// The frame codec (Encoder, Decoder) translates between the two; Bridge
// wires both directions and starts the engine lazily; Conn and Server carry
// the host side over any stream transport.
package lspbridge

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by host connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrMessageTooLarge is returned when a host message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot accept more messages.
	ErrBufferFull = errors.New("send buffer full")
)

// limitedReader wraps a buffered reader and returns ErrMessageTooLarge once
// the per-message limit is used up.
type limitedReader struct {
	r         *bufio.Reader
	remaining int64
}

func newLimitedReader(r *bufio.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

func (l *limitedReader) ReadByte() (byte, error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	c, err := l.r.ReadByte()
	if err == nil {
		l.remaining--
	}
	return c, err
}

// reset restores the limit for the next message. The bufio.Reader keeps its
// own state and continues where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// deadliner is implemented by transports that support I/O deadlines,
// such as net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is the host side of a bridge: a stream transport carrying one
// structured message per event, with boundaries defined by a Codec.
// It runs a read loop feeding the message handler and a write loop
// draining the send queue.
type Conn struct {
	id            string
	rwc           io.ReadWriteCloser
	limitedReader *limitedReader
	logger        Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool
	cancel  atomic.Pointer[context.CancelFunc]
}

// NewConn wraps rwc as a host connection. CustomCodecOption and
// OnMessageOption are required.
func NewConn(rwc io.ReadWriteCloser, opt ...Option) (*Conn, error) {
	opts := applyOptions(opt)

	if err := checkConnOptions(&opts); err != nil {
		return nil, err
	}

	return newConnWithOptions(rwc, opts), nil
}

func checkConnOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.codec == nil {
		return ErrInvalidCodec
	}

	return nil
}

func newConnWithOptions(rwc io.ReadWriteCloser, opts options) *Conn {
	id := uuid.NewString()
	reader := bufio.NewReader(rwc)
	return &Conn{
		id:            id,
		rwc:           rwc,
		limitedReader: newLimitedReader(reader, int64(opts.maxReadLength)),
		logger:        withAttrs(opts.logger, "conn", id),
		opts:          opts,
		sendMsg:       make(chan []byte, opts.bufferSize),
	}
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Run starts the read and write loops and blocks until one fails or ctx is
// canceled. The connection is closed when Run returns. A clean end of the
// input stream returns nil.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel.Store(&cancel)
	defer cancel()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblock a pending read when the context ends.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if errors.Is(err, io.EOF) {
		c.logger.Info("connection closed", "addr", c.Addr())
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), errAttr(err))
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if cancel := c.cancel.Load(); cancel != nil {
		(*cancel)()
	}
	return c.rwc.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues a message without blocking.
//
// Returns:
//   - nil: message was queued (not yet sent)
//   - ErrBufferFull: the send queue is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if codec.Encode fails
func (c *Conn) Write(message Message) error {
	data, err := c.encode(message)
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

// WriteBlocking queues a message, blocking until there is room or ctx is
// canceled. Bridges deliver engine output through it so a slow host applies
// backpressure to the engine instead of losing messages.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	data, err := c.encode(message)
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

// WriteTimeout queues a message, waiting at most timeout for room.
// It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	data, err := c.encode(message)
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

// Addr returns the remote address of network transports and "stream" for
// anything else.
func (c *Conn) Addr() string {
	if nc, ok := c.rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return "stream"
}

func (c *Conn) encode(message Message) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return c.opts.codec.Encode(message)
}

// readLoop decodes host messages and passes them to the message handler.
// Decode errors go through onError; the end of input always stops the loop.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.setReadDeadline()
		c.limitedReader.reset(int64(c.opts.maxReadLength))

		message, err := c.opts.codec.Decode(c.limitedReader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return err
			}
			c.logger.Debug("read error", "addr", c.Addr(), errAttr(err))
			if c.opts.onError(err) == Disconnect {
				return err
			}
			if errors.Is(err, ErrMessageTooLarge) {
				// The rest of the oversized message cannot be resynchronised.
				return err
			}
			continue
		}

		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
}

// writeLoop sends queued messages until the context ends or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data with a deadline. Errors are suppressed when onError
// returns Continue.
func (c *Conn) write(data []byte) error {
	if d, ok := c.rwc.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))
	}

	_, err := c.rwc.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), errAttr(err))
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

func (c *Conn) setReadDeadline() {
	if d, ok := c.rwc.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))
	}
}

// closeConn marks the connection as closed and closes the transport.
func (c *Conn) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.rwc.Close()
}
