package sshmux

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

var errHostKeyMismatch = errors.New("host key mismatch")

// HostKeyValidator decides whether the server's host key is trusted.
type HostKeyValidator interface {
	ValidateHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// HostKeyValidatorFunc adapts a function to HostKeyValidator.
type HostKeyValidatorFunc func(hostname string, remote net.Addr, key ssh.PublicKey) error

func (f HostKeyValidatorFunc) ValidateHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return f(hostname, remote, key)
}

// TrustedKeys accepts only the listed host keys.
func TrustedKeys(keys ...ssh.PublicKey) HostKeyValidator {
	return HostKeyValidatorFunc(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(k.Marshal(), got) {
				return nil
			}
		}
		return fmt.Errorf("%w: untrusted %s key %s", errHostKeyMismatch, key.Type(), ssh.FingerprintSHA256(key))
	})
}

// Fingerprint accepts a host key whose SHA256 fingerprint starts with prefix.
func Fingerprint(prefix string) HostKeyValidator {
	return HostKeyValidatorFunc(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if !strings.HasPrefix(got, prefix) {
			return fmt.Errorf("%w: invalid fingerprint (%s)", errHostKeyMismatch, got)
		}
		return nil
	})
}

// AcceptAnything trusts every host key. Only for tests and trusted networks.
func AcceptAnything() HostKeyValidator {
	return HostKeyValidatorFunc(func(string, net.Addr, ssh.PublicKey) error {
		return nil
	})
}

// hostKeyCallback adapts v and records whether it rejected the key, so a
// failed handshake can be classified regardless of how the transport wraps
// the callback's error.
func hostKeyCallback(v HostKeyValidator, rejected *bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := v.ValidateHostKey(hostname, remote, key); err != nil {
			*rejected = true
			return err
		}
		return nil
	}
}
