package wire

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// DTLS transport defaults.
const (
	// DefaultUDPPort is the cloud port for the UDP/DTLS variant.
	DefaultUDPPort = 5684

	// DTLSHandshakeTimeout bounds DTLS session establishment; on expiry
	// the supervisor schedules a reconnect.
	DTLSHandshakeTimeout = 5 * time.Second

	// maxDatagramSize is the receive buffer for one plaintext datagram.
	maxDatagramSize = 1600
)

// DTLSConfig configures the UDP secure channel.
type DTLSConfig struct {
	// Addr is the cloud endpoint as host:port.
	Addr string

	// DeviceKey is the device EC private key.
	DeviceKey *ecdsa.PrivateKey

	// ServerKey is the cloud EC public key. The peer certificate must
	// carry exactly this key.
	ServerKey *ecdsa.PublicKey

	// HandshakeTimeout overrides DTLSHandshakeTimeout when non-zero.
	HandshakeTimeout time.Duration

	// Conn is an optional pre-bound packet connection, used by tests.
	Conn net.PacketConn

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DTLSChannel is the UDP variant of the secure channel. The DTLS layer
// provides confidentiality; datagrams it yields are already plaintext
// CoAP frames, so no extra framing is applied.
type DTLSChannel struct {
	conn *dtls.Conn
	log  logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// DialDTLS opens a DTLS session to the cloud endpoint using the device
// EC key. Handshake completion is bounded by HandshakeTimeout.
func DialDTLS(config DTLSConfig) (*DTLSChannel, error) {
	raddr, err := net.ResolveUDPAddr("udp", config.Addr)
	if err != nil {
		return nil, err
	}

	pc := config.Conn
	if pc == nil {
		pc, err = net.ListenUDP("udp", nil)
		if err != nil {
			return nil, err
		}
	}

	cert, err := deviceCertificate(config.DeviceKey)
	if err != nil {
		pc.Close()
		return nil, err
	}

	timeout := config.HandshakeTimeout
	if timeout == 0 {
		timeout = DTLSHandshakeTimeout
	}

	dtlsConfig := &dtls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyServerKey(rawCerts, config.ServerKey)
		},
		LoggerFactory: config.LoggerFactory,
	}

	conn, err := dtls.Client(pc, raddr, dtlsConfig)
	if err != nil {
		pc.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		pc.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}

	ch := &DTLSChannel{conn: conn}
	if config.LoggerFactory != nil {
		ch.log = config.LoggerFactory.NewLogger("wire-dtls")
		ch.log.Infof("DTLS session established with %s", config.Addr)
	}
	return ch, nil
}

// Write sends one CoAP frame as a single datagram.
func (c *DTLSChannel) Write(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	_, err := c.conn.Write(frame)
	return err
}

// Read returns the next plaintext datagram.
func (c *DTLSChannel) Read() ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	buf := make([]byte, maxDatagramSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close tears down the DTLS session and socket.
func (c *DTLSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}

// deviceCertificate wraps the device EC key in a minimal self-signed
// certificate; the cloud authenticates the embedded public key, not the
// certificate chain.
func deviceCertificate(key *ecdsa.PrivateKey) (tls.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "iotready-device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("wire: creating device certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// verifyServerKey checks that the peer certificate carries the
// configured server public key.
func verifyServerKey(rawCerts [][]byte, serverKey *ecdsa.PublicKey) error {
	if serverKey == nil {
		return nil
	}
	if len(rawCerts) == 0 {
		return ErrServerKeyMismatch
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("wire: parsing server certificate: %w", err)
	}
	peerKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !peerKey.Equal(serverKey) {
		return ErrServerKeyMismatch
	}
	return nil
}
