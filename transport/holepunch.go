package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPunchTimeout indicates no bidirectional datagram exchange completed
// within the attempt window.
var ErrPunchTimeout = errors.New("hole punching timed out")

// Punch datagram layout: magic(5) | ticket(16) | phase(1).
// The first byte deliberately has the two QUIC header bits clear so the
// shared transport classifies the datagram as non-QUIC.
var punchMagic = []byte{0x21, 'P', 'L', 'N', 'K'}

const (
	punchPacketSize = 5 + 16 + 1

	phaseSyn = 0x00
	phaseAck = 0x01
)

// PacketConn is the raw datagram surface the puncher drives. The QUIC
// Endpoint satisfies it; tests substitute an in-memory network.
type PacketConn interface {
	WritePacket(b []byte, addr net.Addr) error
	ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error)
}

// HolePuncher performs simultaneous-open UDP hole punching: both peers
// burst datagrams at each other's predicted external address while
// treating any valid inbound datagram as the liveness signal.
type HolePuncher struct {
	conn     PacketConn
	window   time.Duration
	interval time.Duration
}

// NewHolePuncher builds a puncher over the shared socket. window bounds
// one whole attempt; the burst interval is derived from it.
func NewHolePuncher(conn PacketConn, window time.Duration) *HolePuncher {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &HolePuncher{
		conn:     conn,
		window:   window,
		interval: 200 * time.Millisecond,
	}
}

// Punch runs one attempt correlated by the rendezvous ticket. It returns
// the remote address the peer was actually observed at, which may differ
// from the prediction when the NAT rotates ports. On timeout it returns
// ErrPunchTimeout; the caller decides whether to retry with a fresh
// ticket.
func (hp *HolePuncher) Punch(ctx context.Context, ticket [16]byte, predicted *net.UDPAddr) (*net.UDPAddr, error) {
	if predicted == nil {
		return nil, errors.New("predicted address cannot be nil")
	}

	ctx, cancel := context.WithTimeout(ctx, hp.window)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function":  "Punch",
		"ticket":    ticket[:4],
		"predicted": predicted,
	}).Debug("Starting hole punch attempt")

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	got := make(chan result, 1)

	// Receiver: any datagram carrying our ticket proves the path works.
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := hp.conn.ReadPacket(ctx, buf)
			if err != nil {
				got <- result{err: err}
				return
			}
			phase, ok := parsePunchPacket(buf[:n], ticket)
			if !ok {
				continue
			}
			udpFrom, ok := from.(*net.UDPAddr)
			if !ok {
				continue
			}
			if phase == phaseSyn {
				// Answer so the peer also sees liveness.
				_ = hp.conn.WritePacket(buildPunchPacket(ticket, phaseAck), udpFrom)
			}
			got <- result{addr: udpFrom}
			return
		}
	}()

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()

	syn := buildPunchPacket(ticket, phaseSyn)
	for {
		if err := hp.conn.WritePacket(syn, predicted); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Punch",
				"error":    err,
			}).Debug("Punch datagram send failed")
		}

		select {
		case r := <-got:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, ErrPunchTimeout
				}
				return nil, r.err
			}
			// A final ack covers the case where our syn was the one
			// that got through and the peer is still listening.
			_ = hp.conn.WritePacket(buildPunchPacket(ticket, phaseAck), r.addr)

			logrus.WithFields(logrus.Fields{
				"function": "Punch",
				"ticket":   ticket[:4],
				"remote":   r.addr,
			}).Info("Hole punch succeeded")
			return r.addr, nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ErrPunchTimeout
		}
	}
}

func buildPunchPacket(ticket [16]byte, phase byte) []byte {
	pkt := make([]byte, 0, punchPacketSize)
	pkt = append(pkt, punchMagic...)
	pkt = append(pkt, ticket[:]...)
	pkt = append(pkt, phase)
	return pkt
}

// parsePunchPacket validates a datagram against our ticket.
func parsePunchPacket(pkt []byte, ticket [16]byte) (byte, bool) {
	if len(pkt) != punchPacketSize {
		return 0, false
	}
	if !bytes.Equal(pkt[:5], punchMagic) {
		return 0, false
	}
	if !bytes.Equal(pkt[5:21], ticket[:]) {
		return 0, false
	}
	phase := pkt[21]
	if phase != phaseSyn && phase != phaseAck {
		return 0, false
	}
	return phase, true
}
