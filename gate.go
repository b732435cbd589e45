package sshmux

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Gate wraps a freshly accepted channel and holds back inbound data until the
// handler that will consume it is installed. Until MarkReady is called, reads
// block and inbound bytes stay queued in the channel's flow controlled buffer,
// so nothing is dropped or handed to the wrong consumer. Writes, requests and
// close calls pass through at all times.
type Gate struct {
	ssh.Channel

	ready     chan struct{}
	closed    chan struct{}
	fired     atomic.Bool
	closeOnce sync.Once

	// maxPacket caps the payload of a single outbound data message; 0 means
	// the transport default.
	maxPacket int
}

var _ ssh.Channel = (*Gate)(nil)

// NewGate returns an unfired gate around ch.
func NewGate(ch ssh.Channel) *Gate {
	return &Gate{
		Channel: ch,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// MarkReady releases inbound data to readers. It fires once; later calls
// return ErrGateAlreadyReady and have no effect.
func (g *Gate) MarkReady() error {
	if !g.fired.CompareAndSwap(false, true) {
		return ErrGateAlreadyReady
	}
	close(g.ready)
	return nil
}

// Ready is closed once MarkReady has fired.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// IsReady reports whether MarkReady has fired.
func (g *Gate) IsReady() bool {
	return g.fired.Load()
}

func (g *Gate) wait() error {
	select {
	case <-g.ready:
		return nil
	case <-g.closed:
		return io.EOF
	}
}

func (g *Gate) Read(p []byte) (int, error) {
	if err := g.wait(); err != nil {
		return 0, err
	}
	return g.Channel.Read(p)
}

func (g *Gate) Write(p []byte) (int, error) {
	return writePackets(g.Channel, p, g.maxPacket)
}

// Stderr returns the extended data stream, gated for reads like the main one.
func (g *Gate) Stderr() io.ReadWriter {
	return &gatedStderr{gate: g, rw: g.Channel.Stderr()}
}

func (g *Gate) Close() error {
	g.closeOnce.Do(func() { close(g.closed) })
	return g.Channel.Close()
}

type gatedStderr struct {
	gate *Gate
	rw   io.ReadWriter
}

func (s *gatedStderr) Read(p []byte) (int, error) {
	if err := s.gate.wait(); err != nil {
		return 0, err
	}
	return s.rw.Read(p)
}

func (s *gatedStderr) Write(p []byte) (int, error) {
	return writePackets(s.rw, p, s.gate.maxPacket)
}

// writePackets splits p into writes of at most max bytes.
func writePackets(w io.Writer, p []byte, max int) (int, error) {
	if max <= 0 || len(p) <= max {
		return w.Write(p)
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > max {
			n = max
		}
		m, err := w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
