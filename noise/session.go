package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/crypto"
)

var (
	// ErrHandshakeAuthFailure indicates a bad MAC, a bad identity proof or
	// an unexpected static key. Always fatal to the session.
	ErrHandshakeAuthFailure = errors.New("handshake authentication failure")
	// ErrSessionFailed indicates the session already failed and was wiped.
	ErrSessionFailed = errors.New("handshake session failed")
	// ErrInvalidState indicates a message was written or read out of turn.
	ErrInvalidState = errors.New("invalid handshake state for operation")
	// ErrHandshakeNotComplete indicates transport keys were requested early.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
)

// protocolPrologue binds both sides to the same protocol revision.
var protocolPrologue = []byte("peerlink/1")

// Pattern selects the Noise handshake pattern for a session.
type Pattern uint8

const (
	// PatternXX exchanges both static keys in-band; used peer-to-peer.
	PatternXX Pattern = iota
	// PatternIK requires the initiator to know the responder's identity;
	// used for client-to-relay sessions.
	PatternIK
)

// Role defines whether we initiate or respond.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// State is the explicit handshake progress of a Session.
type State uint8

const (
	StateInit State = iota
	StateSentMessage1
	StateReceivedMessage1
	StateSentMessage2
	StateReceivedMessage2
	StateSentMessage3
	StateReceivedMessage3
	StateEstablished
	StateFailed
)

// String returns a readable state name for logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSentMessage1:
		return "SentMessage1"
	case StateReceivedMessage1:
		return "ReceivedMessage1"
	case StateSentMessage2:
		return "SentMessage2"
	case StateReceivedMessage2:
		return "ReceivedMessage2"
	case StateSentMessage3:
		return "SentMessage3"
	case StateReceivedMessage3:
		return "ReceivedMessage3"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Config parameterizes a handshake session.
type Config struct {
	Pattern Pattern
	Role    Role
	// LocalSeed is the Ed25519 seed of the local identity, borrowed for
	// the duration of NewSession only.
	LocalSeed [32]byte
	// RemoteIdentity is the expected peer Ed25519 key. Required for an IK
	// initiator; optional for XX (when set, a different proven identity
	// fails the handshake).
	RemoteIdentity *[32]byte
}

// Session is a single connection attempt's handshake state machine.
// It is not safe for concurrent use; one goroutine owns it.
type Session struct {
	role    Role
	pattern Pattern
	state   State

	hs   *noise.HandshakeState
	send *noise.CipherState
	recv *noise.CipherState

	localIdentity  [32]byte
	remoteIdentity [32]byte
	expectedRemote *[32]byte
	proof          []byte
	remoteProven   bool

	turn     int // messages exchanged so far
	messages int // total messages in the pattern
}

// NewSession builds a handshake session. The seed is used to derive the
// Noise static and to sign the identity binding payload; no copy of it
// outlives the call.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Role == Initiator && cfg.Pattern == PatternIK && cfg.RemoteIdentity == nil {
		return nil, errors.New("IK initiator requires the responder identity")
	}

	keys, err := crypto.FromSeed(cfg.LocalSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid local seed: %w", err)
	}
	defer crypto.WipeKeyPair(keys)

	noiseKeys, err := crypto.NoiseKeyFromSeed(cfg.LocalSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive noise static: %w", err)
	}
	defer noiseKeys.Wipe()

	s := &Session{
		role:           cfg.Role,
		pattern:        cfg.Pattern,
		state:          StateInit,
		localIdentity:  keys.Public,
		expectedRemote: cfg.RemoteIdentity,
		messages:       3,
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), noiseKeys.Private[:]...),
		Public:  append([]byte(nil), noiseKeys.Public[:]...),
	}

	s.proof, err = buildProof(cfg.LocalSeed, noiseKeys.Public)
	if err != nil {
		return nil, err
	}

	nc := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     cfg.Role == Initiator,
		StaticKeypair: staticKey,
		Prologue:      protocolPrologue,
	}

	if cfg.Pattern == PatternIK {
		nc.Pattern = noise.HandshakeIK
		s.messages = 2
		if cfg.Role == Initiator {
			remoteStatic, err := crypto.NoisePublicFromIdentity(*cfg.RemoteIdentity)
			if err != nil {
				return nil, fmt.Errorf("cannot derive responder static: %w", err)
			}
			nc.PeerStatic = remoteStatic[:]
		}
	}

	s.hs, err = noise.NewHandshakeState(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"pattern":  cfg.Pattern,
		"role":     cfg.Role,
		"identity": keys.Public[:8],
	}).Debug("Handshake session created")

	return s, nil
}

// myTurn reports whether the next handshake message is ours to write.
func (s *Session) myTurn() bool {
	if s.role == Initiator {
		return s.turn%2 == 0
	}
	return s.turn%2 == 1
}

// lastToWrite reports whether the message about to be written is our final
// one, which is where the identity proof payload rides.
func (s *Session) lastToWrite() bool {
	remaining := s.messages - s.turn
	return remaining == 1 || remaining == 2
}

// WriteMessage produces the next handshake message. Calling it out of turn
// or after completion fails the session.
func (s *Session) WriteMessage() ([]byte, error) {
	switch s.state {
	case StateFailed:
		return nil, ErrSessionFailed
	case StateEstablished:
		return nil, ErrInvalidState
	}
	if !s.myTurn() {
		s.fail()
		return nil, ErrInvalidState
	}

	var payload []byte
	if s.lastToWrite() {
		payload = s.proof
	}

	msg, cs1, cs2, err := s.hs.WriteMessage(nil, payload)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	s.turn++
	s.advance(true)

	if cs1 != nil && cs2 != nil {
		if !s.remoteProven {
			s.fail()
			return nil, fmt.Errorf("%w: missing identity proof", ErrHandshakeAuthFailure)
		}
		s.split(cs1, cs2)
	}

	return msg, nil
}

// ReadMessage consumes the peer's next handshake message. Any MAC failure,
// unexpected static or bad identity proof fails the session permanently.
func (s *Session) ReadMessage(message []byte) error {
	switch s.state {
	case StateFailed:
		return ErrSessionFailed
	case StateEstablished:
		return ErrInvalidState
	}
	if s.myTurn() {
		s.fail()
		return ErrInvalidState
	}

	payload, cs1, cs2, err := s.hs.ReadMessage(nil, message)
	if err != nil {
		s.fail()
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	if len(payload) > 0 {
		if err := s.verifyProof(payload); err != nil {
			s.fail()
			return err
		}
	}

	s.turn++
	s.advance(false)

	if cs1 != nil && cs2 != nil {
		if !s.remoteProven {
			// The pattern completed without the peer ever proving its
			// identity key. Treat as an authentication failure.
			s.fail()
			return fmt.Errorf("%w: missing identity proof", ErrHandshakeAuthFailure)
		}
		s.split(cs1, cs2)
	}

	return nil
}

// verifyProof checks the identity binding payload against the Noise static
// the handshake actually authenticated.
func (s *Session) verifyProof(payload []byte) error {
	identityKey, err := verifyProof(payload, s.hs.PeerStatic())
	if err != nil {
		return err
	}

	if s.expectedRemote != nil && !bytes.Equal(identityKey[:], s.expectedRemote[:]) {
		return fmt.Errorf("%w: peer proved an unexpected identity", ErrHandshakeAuthFailure)
	}

	s.remoteIdentity = identityKey
	s.remoteProven = true
	return nil
}

// advance moves the explicit state after a successful step. The terminal
// transition to StateEstablished happens in split.
func (s *Session) advance(wrote bool) {
	switch s.turn {
	case 1:
		if wrote {
			s.state = StateSentMessage1
		} else {
			s.state = StateReceivedMessage1
		}
	case 2:
		if wrote {
			s.state = StateSentMessage2
		} else {
			s.state = StateReceivedMessage2
		}
	case 3:
		if wrote {
			s.state = StateSentMessage3
		} else {
			s.state = StateReceivedMessage3
		}
	}
}

// split records the directional cipher states. Flynn's convention returns
// (initiator-to-responder, responder-to-initiator) regardless of role.
func (s *Session) split(cs1, cs2 *noise.CipherState) {
	if s.role == Initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.state = StateEstablished

	logrus.WithFields(logrus.Fields{
		"function": "split",
		"role":     s.role,
		"remote":   s.remoteIdentity[:8],
	}).Debug("Handshake established")
}

// fail wipes the session and poisons it.
func (s *Session) fail() {
	s.state = StateFailed
	s.hs = nil
	s.send = nil
	s.recv = nil
	crypto.ZeroBytes(s.proof)
}

// Abort discards the session, wiping ephemeral state. Safe to call in any
// state; the session is unusable afterwards.
func (s *Session) Abort() {
	s.fail()
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// Established reports whether transport keys are available.
func (s *Session) Established() bool {
	return s.state == StateEstablished
}

// RemoteIdentity returns the peer's proven Ed25519 key.
func (s *Session) RemoteIdentity() ([32]byte, error) {
	if s.state != StateEstablished {
		return [32]byte{}, ErrHandshakeNotComplete
	}
	return s.remoteIdentity, nil
}

// TransportKeys hands over the split cipher states exactly once. The
// session is left Established but the keys are no longer reachable through
// it, so a Session can never feed two channels.
func (s *Session) TransportKeys() (*TransportKeys, error) {
	if s.state != StateEstablished {
		return nil, ErrHandshakeNotComplete
	}
	if s.send == nil || s.recv == nil {
		return nil, errors.New("transport keys already taken")
	}

	remote, err := s.RemoteIdentity()
	if err != nil {
		return nil, err
	}

	tk := &TransportKeys{
		Send:           s.send,
		Recv:           s.recv,
		ChannelBinding: append([]byte(nil), s.hs.ChannelBinding()...),
		RemoteIdentity: remote,
		Initiator:      s.role == Initiator,
	}
	s.send = nil
	s.recv = nil
	return tk, nil
}

// TransportKeys is the output of a completed handshake: one cipher state
// per direction plus the transcript hash both sides agree on.
type TransportKeys struct {
	Send           *noise.CipherState
	Recv           *noise.CipherState
	ChannelBinding []byte
	RemoteIdentity [32]byte
	Initiator      bool
}
