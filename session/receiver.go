package session

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"

	"github.com/gosuda/sendme/transport"
)

// receive runs one stream receiver. Failures stay local to the stream.
func (s *Session) receive(stream transport.RecvStream) {
	if err := s.handleStream(stream); err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("[Session] Error handling stream")
	}
}

// handleStream reads exactly one framed message from stream, decodes it and emits
// it as a session-message event. The stream is closed on return.
func (s *Session) handleStream(stream transport.RecvStream) error {
	defer stream.Close()

	if s.cfg.ReadTimeout > 0 {
		_ = stream.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	payload, err := ReadFrame(stream, buffer)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			streamsFailed.WithLabelValues(reasonTooLarge).Inc()
		} else {
			streamsFailed.WithLabelValues(reasonRead).Inc()
		}
		return err
	}

	msg, err := Decode(payload)
	if err != nil {
		streamsFailed.WithLabelValues(reasonDecode).Inc()
		return err
	}
	log.Debug().Str("session", s.id).Str("kind", string(msg.Kind())).Msg("[Session] Received message")

	return s.dispatch(msg)
}

// dispatch publishes msg to the sink in its event payload form.
func (s *Session) dispatch(msg Message) error {
	payload, err := EventPayload(msg)
	if err != nil {
		return err
	}
	messagesReceived.WithLabelValues(string(msg.Kind())).Inc()
	s.EmitPayload(EventMessage, string(payload))
	return nil
}
