package wire

import (
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/iotready/device/pkg/crypto"
	"github.com/iotready/device/pkg/keys"
	"github.com/pion/logging"
)

// TCP transport defaults.
const (
	// DefaultTCPPort is the cloud port for the TCP variant.
	DefaultTCPPort = 5683

	// TCPInactivityTimeout bounds how long the channel will wait for
	// inbound bytes before treating the session as dead.
	TCPInactivityTimeout = 31 * time.Second

	// NonceLen is the length of the server handshake nonce.
	NonceLen = 40
)

// TCPConfig configures the TCP secure channel.
type TCPConfig struct {
	// Addr is the cloud endpoint as host:port. Ignored if Conn is set.
	Addr string

	// DeviceID is the 12-byte device identifier.
	DeviceID []byte

	// PrivateKey is the device RSA private key.
	PrivateKey *rsa.PrivateKey

	// ServerKey is the cloud RSA public key.
	ServerKey *rsa.PublicKey

	// Conn is an optional pre-established connection, used by tests to
	// drive the handshake over a pipe.
	Conn net.Conn

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TCPChannel is the TCP variant of the secure channel. After the
// handshake, frames flow through AES-CBC and the length-prefix chunker.
type TCPChannel struct {
	conn   net.Conn
	reader *StreamReader
	writer *StreamWriter
	enc    *crypto.CBCEncrypter
	dec    *crypto.CBCDecrypter
	log    logging.LeveledLogger

	initialMessageID uint16

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// DialTCP connects to the cloud endpoint and runs the two-step RSA
// handshake. On return the channel carries encrypted CoAP frames.
func DialTCP(config TCPConfig) (*TCPChannel, error) {
	conn := config.Conn
	if conn == nil {
		c, err := net.DialTimeout("tcp", config.Addr, 10*time.Second)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	ch := &TCPChannel{
		conn:   conn,
		reader: NewStreamReader(conn),
		writer: NewStreamWriter(conn),
	}
	if config.LoggerFactory != nil {
		ch.log = config.LoggerFactory.NewLogger("wire-tcp")
	}

	if err := ch.handshake(config); err != nil {
		conn.Close()
		return nil, err
	}

	return ch, nil
}

// handshake runs the session establishment sequence:
//
//  1. Server sends a 40-byte nonce.
//  2. Device replies with RSA(nonce || deviceID || devicePublicKeyDER)
//     under the server public key.
//  3. Server sends RSA(sessionMaterial) under the device public key,
//     followed by an HMAC-SHA1 of that ciphertext keyed with the session
//     material, signed with the server private key.
//
// The session material then yields the AES key, IV and the initial
// message-id counter.
func (c *TCPChannel) handshake(config TCPConfig) error {
	c.conn.SetDeadline(time.Now().Add(TCPInactivityTimeout))

	// Step 1: nonce.
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(c.conn, nonce); err != nil {
		return fmt.Errorf("wire: reading handshake nonce: %w", err)
	}

	// Step 2: identity response.
	pubDER, err := keys.PublicKeyDER(config.PrivateKey)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(nonce)+len(config.DeviceID)+len(pubDER))
	payload = append(payload, nonce...)
	payload = append(payload, config.DeviceID...)
	payload = append(payload, pubDER...)

	ciphertext, err := crypto.RSAEncrypt(config.ServerKey, payload)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(ciphertext); err != nil {
		return fmt.Errorf("wire: writing handshake response: %w", err)
	}

	// Step 3: session material and signed HMAC.
	sessionCiphertext := make([]byte, config.PrivateKey.Size())
	if _, err := io.ReadFull(c.conn, sessionCiphertext); err != nil {
		return fmt.Errorf("wire: reading session material: %w", err)
	}
	signedBlob := make([]byte, config.ServerKey.Size())
	if _, err := io.ReadFull(c.conn, signedBlob); err != nil {
		return fmt.Errorf("wire: reading signed HMAC: %w", err)
	}

	material, err := crypto.RSADecrypt(config.PrivateKey, sessionCiphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeMaterial, err)
	}
	if len(material) != crypto.SessionMaterialLen {
		return ErrHandshakeMaterial
	}

	serverHMAC, err := crypto.RSAVerifySignedBlob(config.ServerKey, signedBlob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeHMAC, err)
	}
	localHMAC := crypto.HMACSHA1(material, sessionCiphertext)
	if !crypto.HMACEqual(localHMAC, serverHMAC) {
		return ErrHandshakeHMAC
	}

	sk, err := crypto.DeriveSessionKeys(material)
	if err != nil {
		return ErrHandshakeMaterial
	}

	c.enc, err = crypto.NewCBCEncrypter(sk.Key, sk.IV)
	if err != nil {
		return err
	}
	c.dec, err = crypto.NewCBCDecrypter(sk.Key, sk.IV)
	if err != nil {
		return err
	}
	c.initialMessageID = sk.InitialMessageID

	// Handshake done; from here only reads carry the inactivity deadline.
	c.conn.SetDeadline(time.Time{})

	if c.log != nil {
		c.log.Infof("handshake complete, initial message id %d", sk.InitialMessageID)
	}
	return nil
}

// InitialMessageID returns the message-id counter seed delivered in the
// handshake session material.
func (c *TCPChannel) InitialMessageID() uint16 {
	return c.initialMessageID
}

// Write encrypts one CoAP frame and sends it length-prefixed.
func (c *TCPChannel) Write(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writer.Write(c.enc.Encrypt(frame))
}

// Read returns the next decrypted CoAP frame. The inactivity deadline is
// re-armed before each read.
func (c *TCPChannel) Read() ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(TCPInactivityTimeout))

	ciphertext, err := c.reader.Read()
	if err != nil {
		return nil, err
	}
	return c.dec.Decrypt(ciphertext)
}

// Close tears down the socket. Pending reads unblock with an error.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}
