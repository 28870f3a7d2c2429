package session

import "errors"

var (
	// ErrNoActiveConnection is returned by Send before the session is connected.
	ErrNoActiveConnection = errors.New("session: no active connection")
	// ErrAlreadyConnected is returned when a session's connection is assigned twice.
	ErrAlreadyConnected = errors.New("session: connection already set")
	// ErrMessageTooLarge is returned when a frame declares a length above MaxMessageSize.
	ErrMessageTooLarge = errors.New("session: message too large")
	// ErrDecode wraps every failure to decode a message.
	ErrDecode = errors.New("session: invalid message")
	// ErrEncode is returned when encoding a value that is not one of the message variants.
	ErrEncode = errors.New("session: unsupported message")

	// ErrTicketParse marks bootstrap failures caused by an unparsable ticket.
	ErrTicketParse = errors.New("session: parse ticket")
	// ErrBind marks bootstrap failures while creating the local endpoint.
	ErrBind = errors.New("session: bind endpoint")
	// ErrConnect marks bootstrap failures while connecting to the peer.
	ErrConnect = errors.New("session: connect to peer")
)
