package device

import (
	"crypto"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/iotready/device/pkg/keys"
	"github.com/iotready/device/pkg/metrics"
	"github.com/iotready/device/pkg/storage"
	"github.com/iotready/device/pkg/wire"
	"github.com/pion/logging"
)

// Transport timing defaults.
const (
	// DefaultTCPKeepalive is the ping period on the TCP variant.
	DefaultTCPKeepalive = 15 * time.Second

	// DefaultUDPKeepalive is the ping period on the UDP variant.
	DefaultUDPKeepalive = 30 * time.Second

	// DefaultReconnectDelay is the pause before re-entering Connecting
	// after a session failure.
	DefaultReconnectDelay = 5 * time.Second

	// HelloTimeout bounds the wait for the server Hello response on TCP.
	HelloTimeout = 2 * time.Second

	// SubscriptionPacing is the delay between replayed subscriptions
	// after connect.
	SubscriptionPacing = 50 * time.Millisecond
)

// Default cloud endpoints.
const (
	DefaultTCPHost = "device.iotready.it"
	DefaultUDPHost = "udp.device.iotready.it"
)

// defaultServerKeyPEM is the built-in cloud RSA public key used by the
// TCP variant when no override is configured.
const defaultServerKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAvCmdhN43Kc+Q793cNWbW
6dIL+hgKPgHoYUbWOdQhjeUAE3zCxoGeu6UYru6adJApeyQWSCau9BP6NhK3nJuE
ulZAzWWFJvIDDjdMYnDWGbiA8KK76gO3aBdjnPbiuMc+bJSrWEeCX9F/hrhyjr3O
yswVryhlhpEWacpwECQzRHWNfHsYgG4GsryXSdAAkkRvBelfehBI5DTkb2Vx6BhM
hvI27orJ4ElcrKskDBRbsvfRcUJepDM1Ynfn9UbgE2zW7IA/4G4AA03o4XD1062q
DWim4PoRXcou8kCcBfv7YbJ6uTf4pjwyB88z8FEPNkATfJ4sSriSIrd4vJaOcYSe
+wIDAQAB
-----END PUBLIC KEY-----
`

// defaultServerKeyECPEM is the built-in cloud EC public key used by the
// UDP/DTLS variant when no override is configured.
const defaultServerKeyECPEM = `-----BEGIN PUBLIC KEY-----
MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAE6WkeJ68ELSimik0Ejwl4IN6FypG6
YrOywifjPLGHHVQNw1SCOq61XWJjCWYDts2HppsyD1gNPlSJZKuqFHetQA==
-----END PUBLIC KEY-----
`

// Dialer opens the secure channel for one session. Tests inject one to
// run sessions over in-memory pipes; the default dials per the
// configured transport variant. The returned message id seeds the
// outbound counter (the TCP handshake delivers it; UDP starts at 0).
type Dialer func() (wire.Channel, uint16, error)

// Config holds all configuration for a Device.
type Config struct {
	// Identity - Required
	DeviceID   string // 24-character hex device id
	PrivateKey []byte // device private key, PEM or DER

	// Identity - Optional
	ProductID              uint16
	ProductFirmwareVersion uint16
	PlatformID             uint16

	// FirmwareVersionString is advertised in the descriptor document.
	FirmwareVersionString string

	// Cloud endpoint
	CloudAddress   string // default per transport variant
	CloudPort      int    // default 5683 (TCP) / 5684 (UDP)
	CloudPublicKey []byte // override of the built-in server key

	// ForceTCP selects the TCP+RSA transport instead of UDP/DTLS.
	ForceTCP bool

	// Keepalive is the ping period (default 15s TCP / 30s UDP).
	Keepalive time.Duration

	// ClaimCode, when set, is published once after connect.
	ClaimCode string

	// Storage persists the update flags and owners list.
	// Defaults to in-memory storage.
	Storage storage.Storage

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Advanced - Internal use / Testing
	Dialer         Dialer
	ReconnectDelay time.Duration
	HelloTimeout   time.Duration
	BaseAckTimeout time.Duration

	// resolved during Validate
	deviceID   []byte
	privateKey crypto.Signer
}

// Validate checks the configuration and resolves the device identity.
func (c *Config) Validate() error {
	id, err := hex.DecodeString(c.DeviceID)
	if err != nil || len(id) != 12 {
		return ErrInvalidDeviceID
	}
	c.deviceID = id

	key, err := keys.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	// The key kind must match the transport variant.
	if c.ForceTCP {
		if _, err := keys.RSAPrivate(key); err != nil {
			return err
		}
	} else {
		if _, err := keys.ECPrivate(key); err != nil {
			return err
		}
	}
	c.privateKey = key

	// The cloud host must resolve; skipped when a test dialer is
	// injected.
	if c.Dialer == nil {
		host := c.host()
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrUnresolvableHost, host, err)
		}
	}

	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.CloudPort == 0 {
		if c.ForceTCP {
			c.CloudPort = wire.DefaultTCPPort
		} else {
			c.CloudPort = wire.DefaultUDPPort
		}
	}
	if c.Keepalive == 0 {
		if c.ForceTCP {
			c.Keepalive = DefaultTCPKeepalive
		} else {
			c.Keepalive = DefaultUDPKeepalive
		}
	}
	if c.FirmwareVersionString == "" {
		c.FirmwareVersionString = fmt.Sprintf("%d", c.ProductFirmwareVersion)
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = HelloTimeout
	}
}

// host returns the cloud host, applying the per-variant default.
func (c *Config) host() string {
	if c.CloudAddress != "" {
		return c.CloudAddress
	}
	if c.ForceTCP {
		return DefaultTCPHost
	}
	return c.DeviceID + "." + DefaultUDPHost
}

// addr returns the cloud endpoint as host:port.
func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.host(), c.CloudPort)
}

// serverKeyPEM returns the configured or built-in server key.
func (c *Config) serverKeyPEM() []byte {
	if len(c.CloudPublicKey) > 0 {
		return c.CloudPublicKey
	}
	if c.ForceTCP {
		return []byte(defaultServerKeyPEM)
	}
	return []byte(defaultServerKeyECPEM)
}
