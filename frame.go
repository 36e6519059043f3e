package lspbridge

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Wire constants of the LSP base protocol.
const (
	headerContentLength = "Content-Length"
	headerDelimiter     = "\r\n\r\n"
)

// Encoder turns message bodies into length-prefixed frames:
//
//	Content-Length: <nbytes>\r\n
//	\r\n
//	<body>
//
// The declared length is always the byte length of the body.
// The zero value is ready to use.
type Encoder struct{}

// Encode frames body. It never fails.
func (Encoder) Encode(body []byte) []byte {
	frame := make([]byte, 0, len(headerContentLength)+24+len(body))
	frame = append(frame, headerContentLength...)
	frame = append(frame, ": "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, headerDelimiter...)
	return append(frame, body...)
}

// EncodeString frames the UTF-8 bytes of s.
func (e Encoder) EncodeString(s string) []byte {
	return e.Encode([]byte(s))
}

// EncodeValue frames v. Text values (string, []byte, json.RawMessage and
// Message) are taken as already serialised; anything else is marshalled
// to JSON first.
func (e Encoder) EncodeValue(v any) ([]byte, error) {
	switch msg := v.(type) {
	case string:
		return e.EncodeString(msg), nil
	case []byte:
		return e.Encode(msg), nil
	case json.RawMessage:
		return e.Encode(msg), nil
	case Message:
		return e.Encode(msg.Body()), nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}
	return e.Encode(body), nil
}
