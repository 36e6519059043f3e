package lspbridge

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/tidwall/pretty"
)

// Codec defines message boundaries on a host connection, where every
// message is one structured event.
//
// Decode reads exactly one message from r. Conn passes a reader that also
// implements io.ByteReader and fails with ErrMessageTooLarge once the
// configured maximum message size is exceeded.
type Codec interface {
	Decode(r io.Reader) (Message, error)
	Encode(Message) ([]byte, error)
}

// LineCodec carries one JSON document per line (NDJSON). Blank lines are
// skipped and a trailing carriage return is tolerated. Encode compacts the
// body so embedded newlines cannot split a message.
type LineCodec struct {
	// MaxDepth caps array/object nesting; zero selects 10000.
	MaxDepth int
}

// Decode implements Codec.
func (c LineCodec) Decode(r io.Reader) (Message, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}

	var line []byte
	for {
		ch, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
		if ch != '\n' {
			line = append(line, ch)
			continue
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := checkJSON(line, c.maxDepth()); err != nil {
			return Message{}, errors.Wrapf(err, "invalid host message %q", truncate(string(line)))
		}
		return NewMessage(line), nil
	}
}

// Encode implements Codec.
func (c LineCodec) Encode(msg Message) ([]byte, error) {
	if err := checkJSON(msg.Body(), c.maxDepth()); err != nil {
		return nil, errors.Wrap(err, "encode host message")
	}
	return append(pretty.Ugly(msg.Body()), '\n'), nil
}

func (c LineCodec) maxDepth() int {
	if c.MaxDepth <= 0 {
		return defaultMaxNestingDepth
	}
	return c.MaxDepth
}

// byteReader reads one byte at a time from a plain io.Reader.
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
