package lspbridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Bridge connects a host that speaks one structured message per event with
// an engine that speaks length-prefixed frames over a byte stream.
//
// Outbound, Send frames a host message and writes it to the engine.
// Inbound, every chunk the engine emits is pushed through the bridge's
// Decoder and the resulting messages reach the host sink in order.
//
// The engine is constructed on first use, at most once per bridge, even when
// the first Send calls race.
type Bridge struct {
	id      string
	factory EngineFactory
	host    Sink
	logger  Logger
	encoder Encoder

	// inMu gives the decoder a single owner when engines emit from more
	// than one goroutine.
	inMu    sync.Mutex
	decoder *Decoder

	mu     sync.Mutex
	engine Engine
	err    error
	flight singleflight.Group

	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewBridge creates a bridge that constructs its engine with factory and
// delivers inbound messages and stream errors to host. It honours the
// decoder options (ErrorPolicyOption, FrameMaxSize) and LoggerOption.
func NewBridge(factory EngineFactory, host Sink, opt ...Option) (*Bridge, error) {
	if factory == nil {
		return nil, ErrInvalidEngineFactory
	}
	if host == nil {
		return nil, ErrInvalidSink
	}

	opts := applyOptions(opt)
	id := uuid.NewString()
	opts.logger = withAttrs(opts.logger, "bridge", id)

	b := &Bridge{
		id:      id,
		factory: factory,
		host:    host,
		logger:  opts.logger,
		done:    make(chan struct{}),
	}
	b.decoder = newDecoderWithOptions(inbound{b}, opts)

	b.logger.Debug("bridge created",
		"policy", opts.policy,
		"max_frame_size", opts.maxFrameSize)

	return b, nil
}

// ID returns the unique identifier of the bridge.
func (b *Bridge) ID() string {
	return b.id
}

// Send frames msg and writes it to the engine, constructing the engine
// first if needed. Strings, byte slices, json.RawMessage and Message are
// sent as is; other values are marshalled to JSON.
func (b *Bridge) Send(ctx context.Context, msg any) error {
	if err := b.Err(); err != nil {
		return err
	}

	frame, err := b.encoder.EncodeValue(msg)
	if err != nil {
		return err
	}

	engine, err := b.Engine(ctx)
	if err != nil {
		return err
	}

	if err := engine.Write(frame); err != nil {
		return errors.Wrap(err, "write to engine")
	}

	b.logger.Debug("frame sent", "bytes", len(frame))
	return nil
}

// Engine returns the engine, constructing it on the first call.
// Concurrent first calls share one construction, which runs detached from
// the callers' cancellation: a caller whose ctx ends stops waiting without
// failing the others. A failed construction is reported to every waiting
// caller and retried by the next call.
func (b *Bridge) Engine(ctx context.Context) (Engine, error) {
	engine, err := b.current()
	if err != nil {
		return nil, err
	}
	if engine != nil {
		return engine, nil
	}

	startCtx := context.WithoutCancel(ctx)
	result := b.flight.DoChan("engine", func() (any, error) {
		engine, err := b.current()
		if err != nil {
			return nil, err
		}
		if engine != nil {
			return engine, nil
		}
		return b.start(startCtx)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the error that halted the bridge, ErrBridgeClosed after
// Close, or nil while the bridge is usable.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done returns a channel that is closed when the bridge halts or is closed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close shuts the bridge down and closes the engine if it implements
// io.Closer. Safe to call multiple times.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	if b.err == nil {
		b.err = ErrBridgeClosed
	}
	engine := b.engine
	b.mu.Unlock()

	b.doneOnce.Do(func() { close(b.done) })
	b.logger.Info("bridge closed")

	return closeEngine(engine)
}

func (b *Bridge) current() (Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine, b.err
}

func (b *Bridge) start(ctx context.Context) (Engine, error) {
	b.logger.Info("starting engine")

	engine, err := b.factory(ctx, b.receive)
	if err != nil {
		b.logger.Error("engine start failed", errAttr(err))
		return nil, errors.Wrap(err, "start engine")
	}

	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		_ = closeEngine(engine)
		return nil, err
	}
	b.engine = engine
	b.mu.Unlock()

	if w, ok := engine.(interface{ Done() <-chan struct{} }); ok {
		go b.watch(w.Done())
	}

	b.logger.Info("engine started")
	return engine, nil
}

// watch halts the bridge when the engine stops on its own.
func (b *Bridge) watch(stopped <-chan struct{}) {
	select {
	case <-stopped:
		b.halt(ErrEngineStopped)
	case <-b.done:
	}
}

// receive is the engine output callback.
func (b *Bridge) receive(chunk []byte) {
	if b.closed.Load() {
		return
	}

	b.inMu.Lock()
	defer b.inMu.Unlock()

	if err := b.decoder.Push(chunk); err != nil {
		b.halt(err)
	}
}

// halt records cause as the terminal error, reports it to the host once and
// closes the engine.
func (b *Bridge) halt(cause error) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = cause
	engine := b.engine
	b.mu.Unlock()

	b.logger.Error("bridge halted", errAttr(cause))
	b.host.Report(cause)
	b.doneOnce.Do(func() { close(b.done) })

	if err := closeEngine(engine); err != nil {
		b.logger.Debug("engine close error", errAttr(err))
	}
}

// inbound forwards decoder output to the host sink.
type inbound struct {
	b *Bridge
}

func (in inbound) Deliver(msg Message) {
	in.b.logger.Debug("frame received", "bytes", msg.Length(), "method", msg.Method(), "id", msg.ID())
	in.b.host.Deliver(msg)
}

func (in inbound) Report(err error) {
	in.b.host.Report(err)
}
