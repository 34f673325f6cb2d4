package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

const alpnProtocol = "peerlink/1"

// ErrEndpointClosed indicates use of a closed endpoint.
var ErrEndpointClosed = errors.New("endpoint closed")

// Endpoint is a QUIC endpoint bound to one UDP socket. It can dial and
// accept connections and exchange raw punch datagrams, all through the
// same local port.
type Endpoint struct {
	udp      *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
}

// NewEndpoint binds a UDP socket (addr like "0.0.0.0:0") and starts
// listening for QUIC connections on it.
func NewEndpoint(addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	tlsConf, err := generateTLSConfig()
	if err != nil {
		udp.Close()
		return nil, err
	}

	e := &Endpoint{
		udp:     udp,
		tr:      &quic.Transport{Conn: udp},
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}

	e.listener, err = e.tr.Listen(tlsConf, e.quicConf)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewEndpoint",
		"local_addr": udp.LocalAddr(),
	}).Info("QUIC endpoint listening")

	return e, nil
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.udp.LocalAddr().(*net.UDPAddr)
}

// Dial opens a QUIC connection to addr and a single bidirectional stream
// on it, which becomes the channel pipe.
func (e *Endpoint) Dial(ctx context.Context, addr string) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid remote address: %w", err)
	}

	clientTLS := &tls.Config{
		// The peer's certificate is throwaway; Noise authenticates.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	qc, err := e.tr.Dial(ctx, udpAddr, clientTLS, e.quicConf)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &Conn{qc: qc, stream: stream}, nil
}

// Accept waits for an inbound connection and its first stream.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	qc, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}

	return &Conn{qc: qc, stream: stream}, nil
}

// WritePacket sends a raw (non-QUIC) datagram from the shared socket.
func (e *Endpoint) WritePacket(b []byte, addr net.Addr) error {
	_, err := e.tr.WriteTo(b, addr)
	return err
}

// ReadPacket receives the next raw (non-QUIC) datagram from the shared
// socket. QUIC traffic is filtered out by the transport.
func (e *Endpoint) ReadPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	return e.tr.ReadNonQUICPacket(ctx, b)
}

// Close shuts the endpoint down, closing the socket and all connections.
func (e *Endpoint) Close() error {
	if e.listener != nil {
		e.listener.Close()
	}
	err := e.tr.Close()
	e.udp.Close()
	return err
}

// Conn is one QUIC connection reduced to the single bidirectional stream
// the secure channel runs on.
type Conn struct {
	qc     quic.Connection
	stream quic.Stream
}

func (c *Conn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// SetDeadline bounds both directions of the stream.
func (c *Conn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

// RemoteAddr returns the peer's transport address.
func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// Close tears down the stream and the underlying connection.
func (c *Conn) Close() error {
	c.stream.CancelRead(0)
	_ = c.stream.Close()
	return c.qc.CloseWithError(0, "closed")
}

// generateTLSConfig builds a throwaway self-signed server config.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "peerlink"},
		DNSNames:     []string{"peerlink"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnProtocol},
	}, nil
}
