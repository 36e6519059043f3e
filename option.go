package lspbridge

import (
	"time"
)

// ErrorAction defines the action to take when a host connection error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// ErrorPolicy selects how a Decoder reacts to a malformed header.
type ErrorPolicy int

const (
	// FailFast halts the decoder and returns ErrMalformedHeader from Push.
	// Every later Push returns the same error.
	FailFast ErrorPolicy = iota
	// Resync reports ErrMalformedHeader to the sink, discards the whole
	// buffer and keeps accepting input.
	Resync
)

// String implements fmt.Stringer.
func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "failfast"
	case Resync:
		return "resync"
	default:
		return "unknown"
	}
}

// options holds the configuration shared by decoders, bridges, engines and
// host connections. Each component reads the fields it needs.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	// onError is called when a host connection error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	policy       ErrorPolicy
	maxFrameSize int // maximum size of one frame, header included
	maxDepth     int // maximum array/object nesting of a frame body

	bufferSize    int           // size of the host send queue
	chunkSize     int           // read size of stream engines
	maxReadLength int           // maximum size of a single host message
	idleTimeout   time.Duration // read/write deadline for host connections
}

// Option is a function that configures component options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the host message codec.
// Host connections require a codec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the host send queue.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadChunkSizeOption returns an Option that sets how many bytes a stream
// engine reads from the language server per chunk.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the idle timeout of host
// connections. Read and write deadlines are set to twice this value when
// the underlying transport supports deadlines.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the maximum host message size.
// Larger messages fail with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// FrameMaxSize returns an Option that caps the declared body length and the
// header section of a single frame. Either one above the cap fails with
// ErrFrameTooLarge.
func FrameMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// NestingMaxDepth returns an Option that caps how deeply arrays and objects
// may nest in a frame body. Deeper bodies are dropped as malformed.
func NestingMaxDepth(depth int) Option {
	return func(o *options) {
		o.maxDepth = depth
	}
}

// ErrorPolicyOption returns an Option that selects the malformed header policy.
func ErrorPolicyOption(policy ErrorPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// OnErrorOption returns an Option that sets the host connection error callback.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the host message handler.
// Host connections require it; it is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the host send queue.
	defaultBufferSize = 16
	// defaultChunkSize is the default engine read size (32KB).
	defaultChunkSize = 32 * 1024
	// defaultMaxMessageLength is the default maximum host message size (16MB).
	defaultMaxMessageLength = 16 * 1024 * 1024
	// defaultMaxFrameSize is the default maximum frame size (64MB).
	defaultMaxFrameSize = 64 * 1024 * 1024
	// defaultMaxNestingDepth is the default maximum body nesting depth.
	defaultMaxNestingDepth = 10000
	// defaultIdleTimeout is the default host connection idle timeout.
	defaultIdleTimeout = 5 * time.Minute
)

func applyOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	setDefaults(&opts)
	return opts
}

// setDefaults fills zero values with their defaults. Required fields are
// checked by the component that needs them.
func setDefaults(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.chunkSize <= 0 {
		opts.chunkSize = defaultChunkSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxMessageLength
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.maxDepth <= 0 {
		opts.maxDepth = defaultMaxNestingDepth
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}
