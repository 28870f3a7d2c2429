package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// Kind is the variant tag of a Message on the wire.
type Kind string

const (
	KindText       Kind = "Text"
	KindFileOffer  Kind = "FileOffer"
	KindFileAccept Kind = "FileAccept"
	KindCallSignal Kind = "CallSignal"
)

// Message is one application payload exchanged in a session. The set of
// implementations is closed: Text, FileOffer, FileAccept and CallSignal.
type Message interface {
	Kind() Kind
	message()
}

// Text is a chat message.
type Text struct {
	Content string `json:"content"`
}

// FileOffer announces data the sender can transfer. Hash is resolved by the blob
// transfer layer and passed through untouched.
type FileOffer struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

// FileAccept accepts a previous FileOffer by its hash.
type FileAccept struct {
	Hash string `json:"hash"`
}

// CallSignal carries call signaling data owned by the caller.
type CallSignal struct {
	SignalType string `json:"signal_type"`
	Data       string `json:"data"`
}

func (Text) Kind() Kind       { return KindText }
func (FileOffer) Kind() Kind  { return KindFileOffer }
func (FileAccept) Kind() Kind { return KindFileAccept }
func (CallSignal) Kind() Kind { return KindCallSignal }

func (Text) message()       {}
func (FileOffer) message()  {}
func (FileAccept) message() {}
func (CallSignal) message() {}

// normalize dereferences pointer variants so callers may pass either form.
func normalize(m Message) (Message, error) {
	switch v := m.(type) {
	case Text, FileOffer, FileAccept, CallSignal:
		return v, nil
	case *Text:
		if v != nil {
			return *v, nil
		}
	case *FileOffer:
		if v != nil {
			return *v, nil
		}
	case *FileAccept:
		if v != nil {
			return *v, nil
		}
	case *CallSignal:
		if v != nil {
			return *v, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrEncode, m)
}

// Encode serializes m as an externally tagged JSON object, e.g.
// {"Text":{"content":"hi"}}.
func Encode(m Message) ([]byte, error) {
	m, err := normalize(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[Kind]Message{m.Kind(): m})
}

// Decode parses exactly one encoded Message. Member names match exactly and may
// appear once; unknown body fields are ignored. Every failure wraps ErrDecode.
func Decode(data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrDecode)
	}

	envelope, err := objectFields(data)
	if err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one variant, got %d", ErrDecode, len(envelope))
	}

	var (
		tag  string
		body json.RawMessage
	)
	for tag, body = range envelope {
	}

	switch Kind(tag) {
	case KindText, KindFileOffer, KindFileAccept, KindCallSignal:
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrDecode, tag)
	}
	fields, err := objectFields(body)
	if err != nil {
		return nil, err
	}

	switch Kind(tag) {
	case KindText:
		var m Text
		if err := requireField(fields, tag, "content", &m.Content); err != nil {
			return nil, err
		}
		return m, nil

	case KindFileOffer:
		var m FileOffer
		if err := requireField(fields, tag, "name", &m.Name); err != nil {
			return nil, err
		}
		if err := requireField(fields, tag, "size", &m.Size); err != nil {
			return nil, err
		}
		if err := requireField(fields, tag, "hash", &m.Hash); err != nil {
			return nil, err
		}
		return m, nil

	case KindFileAccept:
		var m FileAccept
		if err := requireField(fields, tag, "hash", &m.Hash); err != nil {
			return nil, err
		}
		return m, nil

	default:
		var m CallSignal
		if err := requireField(fields, tag, "signal_type", &m.SignalType); err != nil {
			return nil, err
		}
		if err := requireField(fields, tag, "data", &m.Data); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// objectFields splits a single JSON object into its members. A repeated member
// name or anything after the closing brace is an error.
func objectFields(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrDecode)
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		name, _ := tok.(string)
		if _, dup := fields[name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrDecode, name)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		fields[name] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrDecode)
	}
	return fields, nil
}

// requireField decodes the member called name into v. The member must be present
// and not null.
func requireField(fields map[string]json.RawMessage, owner, name string, v any) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("%w: %s missing field %q", ErrDecode, owner, name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: %s field %q is null", ErrDecode, owner, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s field %q: %v", ErrDecode, owner, name, err)
	}
	return nil
}

// Event payload type names.
const (
	PayloadText       = "text"
	PayloadFileOffer  = "file_offer"
	PayloadFileAccept = "file_accept"
	PayloadCallSignal = "call_signal"
)

type textPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type fileOfferPayload struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

type fileAcceptPayload struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

type callSignalPayload struct {
	Type       string `json:"type"`
	SignalType string `json:"signal_type"`
	Data       string `json:"data"`
}

// EventPayload renders m as the flat JSON object published with session-message
// events, e.g. {"type":"text","content":"hi"}.
func EventPayload(m Message) ([]byte, error) {
	m, err := normalize(m)
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case Text:
		return json.Marshal(textPayload{Type: PayloadText, Content: v.Content})
	case FileOffer:
		return json.Marshal(fileOfferPayload{Type: PayloadFileOffer, Name: v.Name, Size: v.Size, Hash: v.Hash})
	case FileAccept:
		return json.Marshal(fileAcceptPayload{Type: PayloadFileAccept, Hash: v.Hash})
	case CallSignal:
		return json.Marshal(callSignalPayload{Type: PayloadCallSignal, SignalType: v.SignalType, Data: v.Data})
	}
	return nil, fmt.Errorf("%w: %T", ErrEncode, m)
}

// ParseEventPayload is the inverse of EventPayload. UI layers use it to submit
// outgoing messages in the same shape they receive them.
func ParseEventPayload(data []byte) (Message, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrDecode)
	}
	fields, err := objectFields(data)
	if err != nil {
		return nil, err
	}
	var typ string
	if err := requireField(fields, "payload", "type", &typ); err != nil {
		return nil, err
	}

	var kind Kind
	switch typ {
	case PayloadText:
		kind = KindText
	case PayloadFileOffer:
		kind = KindFileOffer
	case PayloadFileAccept:
		kind = KindFileAccept
	case PayloadCallSignal:
		kind = KindCallSignal
	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrDecode, typ)
	}

	delete(fields, "type")
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	envelope, err := json.Marshal(map[Kind]json.RawMessage{kind: body})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Decode(envelope)
}
