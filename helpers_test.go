package sshmux

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"

	. "github.com/onsi/gomega"
	"github.com/prep/socketpair"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const testPassword = "p"

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func newHostKey() ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).To(Not(HaveOccurred()))
	signer, err := ssh.NewSignerFromKey(priv)
	Expect(err).To(Not(HaveOccurred()))
	return signer
}

func testServerConfig(hostKey ssh.Signer) ServerConfig {
	return ServerConfig{
		Host:     "127.0.0.1",
		Port:     0,
		HostKeys: []ssh.Signer{hostKey},
		Auth:     PasswordAuth(testPassword),
		Logger:   quietLogger(),
	}
}

// pairClient serves one end of an in-process socket pair with s and returns
// an authenticated client on the other end.
func pairClient(s *Server) *ssh.Client {
	serverSide, clientSide, err := socketpair.New("unix")
	Expect(err).To(Not(HaveOccurred()))
	Expect(s.track(nil)).To(BeTrue())
	go s.serveConn(serverSide)

	conn, chans, reqs, err := ssh.NewClientConn(clientSide, "pair", &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.Password(testPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	Expect(err).To(Not(HaveOccurred()))
	return ssh.NewClient(conn, chans, reqs)
}

// dropConnections closes every connection s currently serves, as if the
// network had failed.
func dropConnections(s *Server) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func serverPort(s *Server) int {
	return s.Addr().(*net.TCPAddr).Port
}
