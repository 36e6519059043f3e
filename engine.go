package lspbridge

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Engine is the byte-stream side of a bridge, typically a language server.
// Write receives complete frames; output flows back through the callback
// handed to the EngineFactory.
//
// Engines that implement io.Closer are closed with their bridge. Engines
// that implement Done() <-chan struct{} halt their bridge when they stop.
type Engine interface {
	Write(frame []byte) error
}

// EngineFactory constructs an engine. It may block, for instance while a
// server binary loads. output must be called with the engine's byte output,
// in order and from one goroutine at a time; the chunk may be retained.
type EngineFactory func(ctx context.Context, output func(chunk []byte)) (Engine, error)

// ErrEngineClosed is returned when writing to a closed engine.
var ErrEngineClosed = errors.New("engine closed")

func closeEngine(engine Engine) error {
	if c, ok := engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// StreamEngine is an Engine over a pair of byte streams: frames are written
// to w and everything read from r is handed to the output callback.
type StreamEngine struct {
	r         io.Reader
	w         io.WriteCloser
	output    func([]byte)
	logger    Logger
	chunkSize int

	mu     sync.Mutex // serialises writes
	closed atomic.Bool
	done   chan struct{}
}

// NewStreamEngine creates a stream engine. Call Run to start reading.
// It honours ReadChunkSizeOption and LoggerOption.
func NewStreamEngine(r io.Reader, w io.WriteCloser, output func([]byte), opt ...Option) *StreamEngine {
	opts := applyOptions(opt)
	return &StreamEngine{
		r:         r,
		w:         w,
		output:    output,
		logger:    opts.logger,
		chunkSize: opts.chunkSize,
		done:      make(chan struct{}),
	}
}

// Run reads from the engine until EOF, a read error, Close or ctx
// cancellation. EOF and Close are clean stops and return nil.
// Run must be called at most once.
func (e *StreamEngine) Run(ctx context.Context) error {
	defer close(e.done)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return e.readLoop()
	})

	// Unblock the read loop when the context ends.
	group.Go(func() error {
		<-child.Done()
		_ = e.Close()
		return nil
	})

	err := group.Wait()
	switch {
	case errors.Is(err, io.EOF):
		e.logger.Debug("engine stream ended")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrEngineClosed):
		return nil
	}
	return err
}

// Write sends one frame to the engine.
func (e *StreamEngine) Write(frame []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(frame); err != nil {
		e.logger.Debug("engine write error", errAttr(err))
		return err
	}
	return nil
}

// Close closes both streams. It does not wait for Run to return.
// Safe to call multiple times.
func (e *StreamEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	err := e.w.Close()
	if c, ok := e.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Done returns a channel that is closed when Run returns.
func (e *StreamEngine) Done() <-chan struct{} {
	return e.done
}

// readLoop hands every chunk read from the engine to the output callback.
// It always returns a non-nil error so the errgroup stops; a read that
// fails because the engine was closed returns ErrEngineClosed.
func (e *StreamEngine) readLoop() error {
	buf := make([]byte, e.chunkSize)
	for {
		n, err := e.r.Read(buf)
		if n > 0 {
			e.output(bytes.Clone(buf[:n]))
		}
		if err != nil {
			if e.closed.Load() {
				return ErrEngineClosed
			}
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("engine read error", errAttr(err))
			}
			return err
		}
	}
}
