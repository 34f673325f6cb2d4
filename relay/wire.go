package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedMessage indicates a relay protocol message that could not be
// decoded. The connection it arrived on is not trusted afterwards.
var ErrMalformedMessage = errors.New("malformed relay message")

// Message kinds. The kind is the first byte of every encoded message.
const (
	kindRegister byte = iota + 1
	kindRegisterAck
	kindKeepAlive
	kindRequestPeer
	kindPeerNotRegistered
	kindConnectOffer
	kindPunchResult
	kindForwardOpen
	kindForwardReady
	kindTicketRejected
	kindForwardData
)

// CapForward in RegisterAck.Capabilities advertises that this relay will
// forward ciphertext between peers whose hole punch failed.
const CapForward byte = 0x01

// Register announces the connected, already-authenticated client for
// rendezvous. The identity comes from the handshake, so the body is empty.
type Register struct{}

// RegisterAck confirms a registration, echoing the external address the
// relay observed and the relay's capability bits.
type RegisterAck struct {
	ObservedAddr string
	Capabilities byte
}

// KeepAlive refreshes the sender's registration.
type KeepAlive struct{}

// RequestPeer asks the relay for a rendezvous with the given peer.
type RequestPeer struct {
	Peer [32]byte
}

// PeerNotRegistered answers a RequestPeer whose target is unknown or whose
// registration has gone stale.
type PeerNotRegistered struct {
	Peer [32]byte
}

// ConnectOffer carries one side of a rendezvous: the ticket correlating
// the attempt, the other peer's identity and its observed address. The
// requester receives it as the RequestPeer answer; the target receives it
// as a push.
type ConnectOffer struct {
	Ticket uuid.UUID
	Peer   [32]byte
	Addr   string
}

// PunchResult reports the outcome of a hole punch attempt and consumes the
// ticket.
type PunchResult struct {
	Ticket  uuid.UUID
	Success bool
}

// ForwardOpen is the first message of a forward session: the sender asks
// to be paired with the other holder of the same ticket.
type ForwardOpen struct {
	Ticket uuid.UUID
}

// ForwardReady tells both forward sessions that the pairing is complete
// and ForwardData may flow.
type ForwardReady struct{}

// TicketRejected refuses a ticket that is unknown, expired, already
// consumed, or presented by a peer it was not issued to.
type TicketRejected struct {
	Ticket uuid.UUID
}

// ForwardData carries one opaque payload between paired forward sessions.
// The relay never interprets it.
type ForwardData struct {
	Payload []byte
}

// Encode serializes a relay protocol message.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case Register:
		return []byte{kindRegister}, nil
	case RegisterAck:
		b := []byte{kindRegisterAck, m.Capabilities}
		return appendString(b, m.ObservedAddr)
	case KeepAlive:
		return []byte{kindKeepAlive}, nil
	case RequestPeer:
		return append([]byte{kindRequestPeer}, m.Peer[:]...), nil
	case PeerNotRegistered:
		return append([]byte{kindPeerNotRegistered}, m.Peer[:]...), nil
	case ConnectOffer:
		b := append([]byte{kindConnectOffer}, m.Ticket[:]...)
		b = append(b, m.Peer[:]...)
		return appendString(b, m.Addr)
	case PunchResult:
		b := append([]byte{kindPunchResult}, m.Ticket[:]...)
		if m.Success {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case ForwardOpen:
		return append([]byte{kindForwardOpen}, m.Ticket[:]...), nil
	case ForwardReady:
		return []byte{kindForwardReady}, nil
	case TicketRejected:
		return append([]byte{kindTicketRejected}, m.Ticket[:]...), nil
	case ForwardData:
		b := make([]byte, 0, 1+len(m.Payload))
		b = append(b, kindForwardData)
		return append(b, m.Payload...), nil
	}
	return nil, fmt.Errorf("cannot encode message type %T", msg)
}

// Decode parses one relay protocol message.
func Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, ErrMalformedMessage
	}
	kind, body := b[0], b[1:]

	switch kind {
	case kindRegister:
		if len(body) != 0 {
			return nil, ErrMalformedMessage
		}
		return Register{}, nil
	case kindRegisterAck:
		if len(body) < 1 {
			return nil, ErrMalformedMessage
		}
		addr, rest, err := readString(body[1:])
		if err != nil || len(rest) != 0 {
			return nil, ErrMalformedMessage
		}
		return RegisterAck{ObservedAddr: addr, Capabilities: body[0]}, nil
	case kindKeepAlive:
		if len(body) != 0 {
			return nil, ErrMalformedMessage
		}
		return KeepAlive{}, nil
	case kindRequestPeer:
		key, err := readKey(body)
		if err != nil {
			return nil, err
		}
		return RequestPeer{Peer: key}, nil
	case kindPeerNotRegistered:
		key, err := readKey(body)
		if err != nil {
			return nil, err
		}
		return PeerNotRegistered{Peer: key}, nil
	case kindConnectOffer:
		if len(body) < 16+32 {
			return nil, ErrMalformedMessage
		}
		var m ConnectOffer
		copy(m.Ticket[:], body[:16])
		copy(m.Peer[:], body[16:48])
		addr, rest, err := readString(body[48:])
		if err != nil || len(rest) != 0 {
			return nil, ErrMalformedMessage
		}
		m.Addr = addr
		return m, nil
	case kindPunchResult:
		if len(body) != 17 {
			return nil, ErrMalformedMessage
		}
		var m PunchResult
		copy(m.Ticket[:], body[:16])
		m.Success = body[16] == 1
		return m, nil
	case kindForwardOpen:
		if len(body) != 16 {
			return nil, ErrMalformedMessage
		}
		var m ForwardOpen
		copy(m.Ticket[:], body)
		return m, nil
	case kindForwardReady:
		if len(body) != 0 {
			return nil, ErrMalformedMessage
		}
		return ForwardReady{}, nil
	case kindTicketRejected:
		if len(body) != 16 {
			return nil, ErrMalformedMessage
		}
		var m TicketRejected
		copy(m.Ticket[:], body)
		return m, nil
	case kindForwardData:
		return ForwardData{Payload: append([]byte(nil), body...)}, nil
	}
	return nil, ErrMalformedMessage
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > 65535 {
		return nil, fmt.Errorf("string too long: %d bytes", len(s))
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	b = append(b, l[:]...)
	return append(b, s...), nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrMalformedMessage
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, ErrMalformedMessage
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

func readKey(b []byte) ([32]byte, error) {
	var key [32]byte
	if len(b) != 32 {
		return key, ErrMalformedMessage
	}
	copy(key[:], b)
	return key, nil
}
