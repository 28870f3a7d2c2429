package session

import "errors"

// Events published to a Sink.
const (
	EventConnected = "session-connected"
	EventMessage   = "session-message"
)

// Sink receives session events for a UI or other observer. Errors are logged by
// the session and never interrupt protocol processing.
type Sink interface {
	// Emit publishes a lifecycle event without payload.
	Emit(event string) error
	// EmitPayload publishes an event with a JSON payload.
	EmitPayload(event, payload string) error
}

// SessionBinder is implemented by sinks that record which session an event came
// from. A session binds its sink once, when it is created.
type SessionBinder interface {
	BindSession(id string) Sink
}

func bindSink(sink Sink, id string) Sink {
	if b, ok := sink.(SessionBinder); ok {
		return b.BindSession(id)
	}
	return sink
}

// MultiSink fans events out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(event string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) EmitPayload(event, payload string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.EmitPayload(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BindSession binds every member that implements SessionBinder.
func (m MultiSink) BindSession(id string) Sink {
	bound := make(MultiSink, len(m))
	for i, s := range m {
		if s != nil {
			bound[i] = bindSink(s, id)
		}
	}
	return bound
}
