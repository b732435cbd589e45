package sshmux

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// Credential is a single authentication offer made by a connecting client.
// Exactly one of Password and PublicKey is set.
type Credential struct {
	User       string
	RemoteAddr net.Addr
	SessionID  []byte
	Password   []byte
	PublicKey  ssh.PublicKey
}

// AuthDelegate decides whether a credential offer is accepted. A nil error
// accepts; the returned permissions are attached to the connection.
type AuthDelegate interface {
	Authenticate(cred Credential) (*ssh.Permissions, error)
}

// AuthDelegateFunc adapts a function to AuthDelegate.
type AuthDelegateFunc func(cred Credential) (*ssh.Permissions, error)

func (f AuthDelegateFunc) Authenticate(cred Credential) (*ssh.Permissions, error) {
	return f(cred)
}

var errAuthDenied = errors.New("authentication denied")

// PasswordAuth accepts any user presenting password.
func PasswordAuth(password string) AuthDelegate {
	return AuthDelegateFunc(func(cred Credential) (*ssh.Permissions, error) {
		if cred.Password == nil {
			return nil, errAuthDenied
		}
		if subtle.ConstantTimeCompare(cred.Password, []byte(password)) != 1 {
			return nil, fmt.Errorf("password rejected for %q", cred.User)
		}
		return &ssh.Permissions{}, nil
	})
}

// AuthorizedKeysAuth accepts public keys listed in an authorized_keys file.
// The fingerprint of the key used is recorded under the "pubkey-fp" extension.
func AuthorizedKeysAuth(authorizedKeysBytes []byte) (AuthDelegate, error) {
	authorizedKeysMap := map[string]bool{}
	for len(authorizedKeysBytes) > 0 {
		pubKey, _, _, rest, err := ssh.ParseAuthorizedKey(authorizedKeysBytes)
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys: %w", err)
		}
		authorizedKeysMap[string(pubKey.Marshal())] = true
		authorizedKeysBytes = rest
	}

	return AuthDelegateFunc(func(cred Credential) (*ssh.Permissions, error) {
		if cred.PublicKey == nil {
			return nil, errAuthDenied
		}
		if !authorizedKeysMap[string(cred.PublicKey.Marshal())] {
			return nil, fmt.Errorf("unknown public key for session %q", cred.SessionID)
		}
		return &ssh.Permissions{
			Extensions: map[string]string{
				"pubkey-fp": ssh.FingerprintSHA256(cred.PublicKey),
			},
		}, nil
	}), nil
}

// ChainAuth accepts an offer if any of delegates accepts it, trying them in order.
func ChainAuth(delegates ...AuthDelegate) AuthDelegate {
	return AuthDelegateFunc(func(cred Credential) (*ssh.Permissions, error) {
		err := errAuthDenied
		for _, d := range delegates {
			perms, derr := d.Authenticate(cred)
			if derr == nil {
				return perms, nil
			}
			err = derr
		}
		return nil, err
	})
}

func bindAuthDelegate(cfg *ssh.ServerConfig, delegate AuthDelegate) {
	if delegate == nil {
		cfg.NoClientAuth = true
		return
	}
	cfg.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		return delegate.Authenticate(Credential{
			User:       c.User(),
			RemoteAddr: c.RemoteAddr(),
			SessionID:  c.SessionID(),
			Password:   password,
		})
	}
	cfg.PublicKeyCallback = func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
		return delegate.Authenticate(Credential{
			User:       c.User(),
			RemoteAddr: c.RemoteAddr(),
			SessionID:  c.SessionID(),
			PublicKey:  pubKey,
		})
	}
}

// AuthenticationMethod is how a client proves its identity.
type AuthenticationMethod struct {
	User    string
	methods []ssh.AuthMethod
}

// PasswordBased authenticates user with a password.
func PasswordBased(user, password string) AuthenticationMethod {
	return AuthenticationMethod{User: user, methods: []ssh.AuthMethod{ssh.Password(password)}}
}

// PrivateKeyBased authenticates user with the given signers.
func PrivateKeyBased(user string, signers ...ssh.Signer) AuthenticationMethod {
	return AuthenticationMethod{User: user, methods: []ssh.AuthMethod{ssh.PublicKeys(signers...)}}
}
