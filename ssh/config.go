package ssh

import (
	"crypto/rand"
	"io"
	"math/big"
	"net"

	"github.com/sirupsen/logrus"
)

// CryptoConfig is cryptographic configuration common to client and (were
// this package ever to grow one) server configuration.
type CryptoConfig struct {
	// KeyExchanges lists the allowed key exchange algorithms, most
	// preferred first. If unset, defaultKeyExchangeOrder is used.
	KeyExchanges []string

	// Ciphers lists the allowed cipher algorithms, most preferred first.
	// If unset, DefaultCipherOrder is used.
	Ciphers []string

	// MACs lists the allowed MAC algorithms, most preferred first. If
	// unset, DefaultMACOrder is used.
	MACs []string

	// ExtraDHGroups supplies the modulus for key exchange algorithms
	// whose well-known group this package does not hardcode --
	// currently diffie-hellman-group16-sha512 and
	// diffie-hellman-group18-sha512 (RFC 3526 groups 16 and 18, each
	// several thousand bits). Keyed by kex algorithm name. See
	// dhGroupFor.
	ExtraDHGroups map[string]*big.Int
}

func (c *CryptoConfig) kexes() []string {
	if c.KeyExchanges == nil {
		return defaultKeyExchangeOrder
	}
	return c.KeyExchanges
}

func (c *CryptoConfig) ciphers() []string {
	if c.Ciphers == nil {
		return DefaultCipherOrder
	}
	return c.Ciphers
}

func (c *CryptoConfig) macs() []string {
	if c.MACs == nil {
		return DefaultMACOrder
	}
	return c.MACs
}

// HostKeyChecker validates a server's host key during the key exchange.
type HostKeyChecker interface {
	Check(dialAddress string, remote net.Addr, hostKeyAlgo string, hostKey []byte) error
}

// Dialer is the consumed external interface backing ForwardLocalPort
// the local side of a forwarded connection
// reaches its ultimate target through whatever Dialer the caller supplies,
// defaulting to net.Dialer so the core stays decoupled from any one
// transport the same way the socket interface already is.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// netDialer adapts *net.Dialer (and the zero value) to the Dialer
// interface; it is the default used when ClientConfig.Dialer is nil.
type netDialer struct {
	d net.Dialer
}

func (n *netDialer) Dial(network, addr string) (net.Conn, error) {
	return n.d.Dial(network, addr)
}

// ClientConfig configures a Connection. Once passed to Dial or Client it
// must not be modified.
type ClientConfig struct {
	// Rand provides the source of entropy for key exchange and padding.
	// If nil, crypto/rand.Reader is used.
	Rand io.Reader

	// User is the username to authenticate as.
	User string

	// Auth lists the authentication methods to try, in order; each entry
	// is tried at most once, including repeats of the same method name.
	Auth []ClientAuth

	// HostKeyChecker validates the server's host key. A nil checker
	// accepts any host key.
	HostKeyChecker HostKeyChecker

	// Crypto holds cryptographic algorithm preferences.
	Crypto CryptoConfig

	// ClientVersion is the identification string sent during version
	// exchange. If empty, a default of "SSH-2.0-Go" is used.
	ClientVersion string

	// Dialer backs ForwardLocalPort's connections to the local target.
	// If nil, a plain net.Dialer is used.
	Dialer Dialer

	// AgentKeyProvider, if set, answers the auth-agent@openssh.com
	// channel opened by a server-side ssh -A. A
	// nil provider causes agent-forwarding channel opens to be refused.
	AgentKeyProvider AgentKeyProvider

	// Logger is the base logrus logger each Connection's per-component
	// loggers are derived from. If nil, logrus.StandardLogger() is used.
	Logger *logrus.Logger

	// Metrics receives the optional observations described by MetricsSink.
	// If nil, NoopMetricsSink is used.
	Metrics MetricsSink
}

func (c *ClientConfig) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *ClientConfig) dialer() Dialer {
	if c.Dialer == nil {
		return &netDialer{}
	}
	return c.Dialer
}

func (c *ClientConfig) metrics() MetricsSink {
	if c.Metrics == nil {
		return NoopMetricsSink{}
	}
	return c.Metrics
}

func (c *ClientConfig) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
