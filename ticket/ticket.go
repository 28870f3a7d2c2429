// Package ticket encodes the bootstrap token a peer shares so others can connect.
package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multibase"
)

// Prefix starts every encoded ticket.
const Prefix = "sendme"

var (
	ErrEmpty        = errors.New("ticket: empty")
	ErrInvalid      = errors.New("ticket: invalid")
	ErrMissingPeer  = errors.New("ticket: missing peer id")
	ErrMissingAddrs = errors.New("ticket: missing addresses")
)

type payload struct {
	Peer  string   `json:"peer"`
	Addrs []string `json:"addrs"`
}

// Encode renders ai as Prefix followed by the multibase base32 form of its JSON.
func Encode(ai peer.AddrInfo) (string, error) {
	if ai.ID == "" {
		return "", ErrMissingPeer
	}
	if len(ai.Addrs) == 0 {
		return "", ErrMissingAddrs
	}

	p := payload{Peer: ai.ID.String(), Addrs: make([]string, 0, len(ai.Addrs))}
	for _, a := range ai.Addrs {
		p.Addrs = append(p.Addrs, a.String())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	enc, err := multibase.Encode(multibase.Base32, raw)
	if err != nil {
		return "", err
	}
	return Prefix + enc, nil
}

// Parse resolves a ticket to a dialable peer address. It accepts the encoded form
// produced by Encode or a plain multiaddr ending in /p2p/<peer id>.
func Parse(s string) (peer.AddrInfo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return peer.AddrInfo{}, ErrEmpty
	}

	if strings.HasPrefix(s, "/") {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if len(ai.Addrs) == 0 {
			return peer.AddrInfo{}, ErrMissingAddrs
		}
		return *ai, nil
	}

	if !strings.HasPrefix(s, Prefix) {
		return peer.AddrInfo{}, fmt.Errorf("%w: missing %q prefix", ErrInvalid, Prefix)
	}
	_, raw, err := multibase.Decode(strings.TrimPrefix(s, Prefix))
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if p.Peer == "" {
		return peer.AddrInfo{}, ErrMissingPeer
	}
	id, err := peer.Decode(p.Peer)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: peer id: %w", ErrInvalid, err)
	}
	if len(p.Addrs) == 0 {
		return peer.AddrInfo{}, ErrMissingAddrs
	}

	ai := peer.AddrInfo{ID: id, Addrs: make([]ma.Multiaddr, 0, len(p.Addrs))}
	for _, s := range p.Addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("%w: address %q: %w", ErrInvalid, s, err)
		}
		ai.Addrs = append(ai.Addrs, addr)
	}
	return ai, nil
}
