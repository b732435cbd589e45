package sshmux

import (
	"golang.org/x/crypto/ssh"
)

// ProtocolOption tunes the SSH protocol for a server or client. Options are
// applied to every connection before the handshake starts.
type ProtocolOption func(*protocolConfig)

type protocolConfig struct {
	maxPacketSize int
	version       string
	maxAuthTries  int
	algorithms    *Algorithms
}

// Algorithms restricts the negotiated algorithms. Empty lists keep the
// transport defaults.
type Algorithms struct {
	Ciphers      []string
	KeyExchanges []string
	MACs         []string
}

// MaximumPacketSize caps the payload of each outbound channel data message.
func MaximumPacketSize(size int) ProtocolOption {
	return func(c *protocolConfig) {
		c.maxPacketSize = size
	}
}

// Version sets the identification string sent during the handshake. It must
// start with "SSH-2.0-".
func Version(version string) ProtocolOption {
	return func(c *protocolConfig) {
		c.version = version
	}
}

// MaxAuthTries limits authentication attempts per connection (server only).
// A negative value means unlimited.
func MaxAuthTries(n int) ProtocolOption {
	return func(c *protocolConfig) {
		c.maxAuthTries = n
	}
}

// WithAlgorithms restricts ciphers, key exchanges and MACs.
func WithAlgorithms(a Algorithms) ProtocolOption {
	return func(c *protocolConfig) {
		c.algorithms = &a
	}
}

func newProtocolConfig(opts []ProtocolOption) protocolConfig {
	var c protocolConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c protocolConfig) applyAlgorithms(cfg *ssh.Config) {
	if c.algorithms == nil {
		return
	}
	if len(c.algorithms.Ciphers) > 0 {
		cfg.Ciphers = c.algorithms.Ciphers
	}
	if len(c.algorithms.KeyExchanges) > 0 {
		cfg.KeyExchanges = c.algorithms.KeyExchanges
	}
	if len(c.algorithms.MACs) > 0 {
		cfg.MACs = c.algorithms.MACs
	}
}

func (c protocolConfig) applyServer(cfg *ssh.ServerConfig) {
	c.applyAlgorithms(&cfg.Config)
	if c.version != "" {
		cfg.ServerVersion = c.version
	}
	if c.maxAuthTries != 0 {
		cfg.MaxAuthTries = c.maxAuthTries
	}
}

func (c protocolConfig) applyClient(cfg *ssh.ClientConfig) {
	c.applyAlgorithms(&cfg.Config)
	if c.version != "" {
		cfg.ClientVersion = c.version
	}
}
