package lspbridge

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var delimiter = []byte(headerDelimiter)

// Decoder reassembles length-prefixed frames from a byte stream that arrives
// in arbitrary chunks. Every complete frame is delivered to the sink as soon
// as its last byte is pushed; the bytes of a partial frame are kept until the
// rest arrives.
//
// A Decoder is not safe for concurrent use. It owns its buffer exclusively.
type Decoder struct {
	sink         Sink
	logger       Logger
	policy       ErrorPolicy
	maxFrameSize int
	maxDepth     int

	buf      []byte
	consumed int64 // stream offset of buf[0]
	err      error

	// Parsed header of the frame whose body is still arriving.
	// bodyStart is 0 while a header is awaited.
	bodyStart int
	bodyLen   int
}

// NewDecoder creates a decoder delivering to sink. It honours
// ErrorPolicyOption, FrameMaxSize, NestingMaxDepth and LoggerOption.
func NewDecoder(sink Sink, opt ...Option) (*Decoder, error) {
	if sink == nil {
		return nil, ErrInvalidSink
	}
	return newDecoderWithOptions(sink, applyOptions(opt)), nil
}

func newDecoderWithOptions(sink Sink, opts options) *Decoder {
	return &Decoder{
		sink:         sink,
		logger:       opts.logger,
		policy:       opts.policy,
		maxFrameSize: opts.maxFrameSize,
		maxDepth:     opts.maxDepth,
	}
}

// PushString pushes the UTF-8 bytes of s.
func (d *Decoder) PushString(s string) error {
	return d.Push([]byte(s))
}

// Push appends chunk to the stream and delivers every frame it completes.
//
// An incomplete header or body is not an error. A body that is not valid
// JSON is reported to the sink and skipped. A malformed header is handled
// according to the decoder's ErrorPolicy. ErrFrameTooLarge halts the decoder
// under both policies; a halted decoder returns its error from every Push.
func (d *Decoder) Push(chunk []byte) error {
	if d.err != nil {
		return d.err
	}

	d.buf = append(d.buf, chunk...)
	defer d.compact(d.consumed)

	for {
		if d.bodyStart == 0 {
			if err := d.parseHeader(); err != nil || d.bodyStart == 0 {
				return err
			}
		}

		bodyEnd := d.bodyStart + d.bodyLen
		if len(d.buf) < bodyEnd {
			return nil
		}

		offset := d.consumed
		body := d.buf[d.bodyStart:bodyEnd]
		d.buf = d.buf[bodyEnd:]
		d.consumed += int64(bodyEnd)
		d.bodyStart, d.bodyLen = 0, 0

		d.emit(offset, body)
	}
}

// parseHeader parses the header at the front of the buffer once it is
// complete. It leaves bodyStart at 0 when more input is needed or the
// buffer was discarded.
func (d *Decoder) parseHeader() error {
	headerEnd := bytes.Index(d.buf, delimiter)
	if headerEnd > d.maxFrameSize || (headerEnd < 0 && len(d.buf) > d.maxFrameSize) {
		return d.halt(errors.Wrapf(ErrFrameTooLarge, "header section exceeds %d bytes", d.maxFrameSize))
	}
	if headerEnd < 0 {
		return nil
	}

	length, err := parseContentLength(d.buf[:headerEnd])
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) || d.policy == FailFast {
			return d.halt(err)
		}
		d.resync(err)
		return nil
	}
	if length > uint64(d.maxFrameSize) {
		return d.halt(errors.Wrapf(ErrFrameTooLarge, "declared length %d exceeds %d bytes", length, d.maxFrameSize))
	}

	d.bodyStart = headerEnd + len(delimiter)
	d.bodyLen = int(length)
	return nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the error that halted the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// emit validates body and hands it to the sink. body aliases the stream
// buffer and is copied before delivery.
func (d *Decoder) emit(offset int64, body []byte) {
	if cause := checkJSON(body, d.maxDepth); cause != nil {
		d.logger.Warn("dropping frame", "offset", offset, "bytes", len(body), errAttr(cause))
		d.sink.Report(&FrameError{Offset: offset, Body: bytes.Clone(body), Err: cause})
		return
	}

	d.sink.Deliver(NewMessage(bytes.Clone(body)))
}

func (d *Decoder) resync(cause error) {
	d.logger.Warn("discarding stream buffer", "offset", d.consumed, "bytes", len(d.buf), errAttr(cause))
	d.consumed += int64(len(d.buf))
	d.buf = nil
	d.bodyStart, d.bodyLen = 0, 0
	d.sink.Report(cause)
}

func (d *Decoder) halt(cause error) error {
	d.logger.Error("decoder halted", "offset", d.consumed, errAttr(cause))
	d.err = cause
	d.buf = nil
	d.bodyStart, d.bodyLen = 0, 0
	return cause
}

// compact moves the unconsumed tail to a fresh slice once frames have been
// stripped, so they do not pin the old backing array.
func (d *Decoder) compact(start int64) {
	switch {
	case len(d.buf) == 0:
		d.buf = nil
	case d.consumed != start:
		d.buf = bytes.Clone(d.buf)
	}
}

// parseContentLength finds the Content-Length field in a header section.
// Field names match case-insensitively and other fields are ignored.
func parseContentLength(header []byte) (uint64, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			continue
		}

		value = strings.TrimSpace(value)
		if value == "" || strings.TrimLeft(value, "0123456789") != "" {
			return 0, errors.Wrapf(ErrMalformedHeader, "invalid %s %q", headerContentLength, truncate(value))
		}

		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrFrameTooLarge, "%s %s out of range", headerContentLength, truncate(value))
		}
		return n, nil
	}

	return 0, errors.Wrapf(ErrMalformedHeader, "missing %s in %q", headerContentLength, truncate(string(header)))
}

func truncate(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
