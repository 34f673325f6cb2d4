package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrTicketConsumed indicates a ticket that is unknown, expired, already
// used, or presented by a peer it was not issued to. The relay does not
// distinguish these cases toward clients.
var ErrTicketConsumed = errors.New("ticket expired or already consumed")

// Ticket correlates one traversal attempt between exactly two peers.
type Ticket struct {
	ID     uuid.UUID
	PeerA  [32]byte
	PeerB  [32]byte
	Expiry time.Time
}

type ticketEntry struct {
	ticket  Ticket
	claimed map[[32]byte]bool // forward claims, one per peer
}

// TicketStore issues single-use rendezvous tickets. A ticket dies when a
// PunchResult consumes it, when both peers claim it for forwarding, or
// when it expires.
type TicketStore struct {
	mu      sync.Mutex
	clk     clock.Clock
	ttl     time.Duration
	tickets map[uuid.UUID]*ticketEntry
}

// NewTicketStore builds a store whose tickets live for ttl.
func NewTicketStore(clk clock.Clock, ttl time.Duration) *TicketStore {
	return &TicketStore{
		clk:     clk,
		ttl:     ttl,
		tickets: make(map[uuid.UUID]*ticketEntry),
	}
}

// Issue creates a fresh ticket binding the two peers.
func (s *TicketStore) Issue(a, b [32]byte) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Ticket{
		ID:     uuid.New(),
		PeerA:  a,
		PeerB:  b,
		Expiry: s.clk.Now().Add(s.ttl),
	}
	s.tickets[t.ID] = &ticketEntry{
		ticket:  t,
		claimed: make(map[[32]byte]bool),
	}
	return t
}

// Consume retires a ticket on behalf of a punch result. Only the two peers
// the ticket was issued to may consume it, and only once.
func (s *TicketStore) Consume(id uuid.UUID, by [32]byte) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(id, by)
	if err != nil {
		return Ticket{}, err
	}
	delete(s.tickets, id)
	return entry.ticket, nil
}

// Claim marks one peer's intent to open a forward session on the ticket.
// The first claim by each peer succeeds; the ticket is retired once both
// peers have claimed it. A repeated claim by the same peer fails.
func (s *TicketStore) Claim(id uuid.UUID, by [32]byte) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(id, by)
	if err != nil {
		return Ticket{}, err
	}
	if entry.claimed[by] {
		return Ticket{}, ErrTicketConsumed
	}
	entry.claimed[by] = true
	if len(entry.claimed) == 2 {
		delete(s.tickets, id)
	}
	return entry.ticket, nil
}

// Sweep evicts expired tickets.
func (s *TicketStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	dropped := 0
	for id, entry := range s.tickets {
		if now.After(entry.ticket.Expiry) {
			delete(s.tickets, id)
			dropped++
		}
	}
	return dropped
}

func (s *TicketStore) lookup(id uuid.UUID, by [32]byte) (*ticketEntry, error) {
	entry, ok := s.tickets[id]
	if !ok {
		return nil, ErrTicketConsumed
	}
	if s.clk.Now().After(entry.ticket.Expiry) {
		delete(s.tickets, id)
		return nil, ErrTicketConsumed
	}
	if by != entry.ticket.PeerA && by != entry.ticket.PeerB {
		return nil, ErrTicketConsumed
	}
	return entry, nil
}
