package lspbridge

// Sink receives the output of a Decoder or a Bridge, one item at a time
// and in stream order.
type Sink interface {
	// Deliver is called for every decoded message.
	Deliver(msg Message)
	// Report is called for every dropped frame or stream error. Errors are
	// always non-nil and never reach Deliver.
	Report(err error)
}

// SinkFuncs adapts a pair of functions to the Sink interface.
// Nil functions are skipped.
type SinkFuncs struct {
	OnMessage func(Message)
	OnError   func(error)
}

// Deliver implements Sink.
func (s SinkFuncs) Deliver(msg Message) {
	if s.OnMessage != nil {
		s.OnMessage(msg)
	}
}

// Report implements Sink.
func (s SinkFuncs) Report(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}
