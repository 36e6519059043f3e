package lspbridge

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Message is one JSON-RPC message as it crosses the bridge.
// It holds the raw JSON text of a single frame body or host event.
type Message struct {
	body json.RawMessage
}

// NewMessage wraps raw JSON text. The slice is not copied.
func NewMessage(body []byte) Message {
	return Message{body: body}
}

// Length returns the length of the message body in bytes.
func (m Message) Length() int {
	return len(m.body)
}

// Body returns the raw JSON text.
func (m Message) Body() []byte {
	return m.body
}

// MarshalJSON emits the raw body unchanged.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.body) == 0 {
		return []byte("null"), nil
	}
	return m.body, nil
}

// Unmarshal decodes the body into v.
func (m Message) Unmarshal(v any) error {
	return json.Unmarshal(m.body, v)
}

// Method returns the JSON-RPC method name, or "" for responses.
func (m Message) Method() string {
	return gjson.GetBytes(m.body, "method").String()
}

// ID returns the JSON-RPC id as text, or "" for notifications.
func (m Message) ID() string {
	return gjson.GetBytes(m.body, "id").Raw
}

// String implements fmt.Stringer.
func (m Message) String() string {
	return string(m.body)
}

// checkJSON reports why body is not a UTF-8 JSON document nested at most
// maxDepth levels deep. The depth is checked first because gjson validates
// recursively.
func checkJSON(body []byte, maxDepth int) error {
	switch {
	case !utf8.Valid(body):
		return errors.Wrap(ErrMalformedBody, "body is not valid UTF-8")
	case nestingDepth(body, maxDepth) > maxDepth:
		return errors.Wrapf(ErrMalformedBody, "body nests deeper than %d levels", maxDepth)
	case !gjson.ValidBytes(body):
		return errors.Wrap(ErrMalformedBody, "body is not valid JSON")
	}
	return nil
}

// nestingDepth returns the deepest array or object nesting in data, giving
// up as soon as limit is exceeded. Brackets inside strings do not count.
func nestingDepth(data []byte, limit int) int {
	var depth, deepest int
	var inString, escaped bool
	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
				if deepest > limit {
					return deepest
				}
			}
		case ']', '}':
			depth--
		}
	}
	return deepest
}
