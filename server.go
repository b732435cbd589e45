package sshmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/netutil"
)

// ServerConfig configures Host.
type ServerConfig struct {
	Host string
	Port int
	// HostKeys identify the server; at least one is required.
	HostKeys []ssh.Signer
	// Auth checks client credentials. Nil disables client authentication.
	Auth            AuthDelegate
	ProtocolOptions []ProtocolOption
	// Workers caps the number of connections served at once; 0 is unlimited.
	Workers int
	// KeepAliveInterval enables server to client pings; 0 disables them.
	KeepAliveInterval time.Duration
	Logger            *log.Entry
	// Registerer receives the server's metrics; nil keeps them private.
	Registerer prometheus.Registerer

	// Exec, Tunnels and Subsystems are registered before the first
	// connection is accepted, as if passed to the Enable methods.
	Exec       ExecDelegate
	Tunnels    TunnelDelegate
	Subsystems map[string]SubsystemFactory
}

// Server accepts SSH connections and serves their channels.
type Server struct {
	config     ServerConfig
	protocol   protocolConfig
	listener   net.Listener
	registry   *registryCell
	dispatcher *dispatcher
	metrics    *Metrics
	log        *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

func newServer(config ServerConfig) (*Server, error) {
	if len(config.HostKeys) == 0 {
		return nil, errors.New("sshmux: at least one host key is required")
	}
	for name := range config.Subsystems {
		if !subsystemNameValid(name) {
			return nil, fmt.Errorf("sshmux: invalid subsystem name %q", name)
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.WithField("component", "sshmux-server")
	}
	metrics, err := NewMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("sshmux: register metrics: %w", err)
	}
	protocol := newProtocolConfig(config.ProtocolOptions)
	cell := newRegistryCell()
	cell.update(func(r *registry) {
		r.exec = config.Exec
		r.tunnels = config.Tunnels
		for name, factory := range config.Subsystems {
			r.subsystems[name] = factory
		}
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		protocol: protocol,
		registry: cell,
		dispatcher: &dispatcher{
			registry:  cell,
			metrics:   metrics,
			maxPacket: protocol.maxPacketSize,
		},
		metrics: metrics,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*serverConn]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Host starts a server listening on config.Host:config.Port. It returns once
// the socket is bound; connections are served in the background until Close.
func Host(ctx context.Context, config ServerConfig) (*Server, error) {
	s, err := newServer(config)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("sshmux: listen on %s: %w", addr, err)
	}
	if config.Workers > 0 {
		ln = netutil.LimitListener(ln, config.Workers)
	}
	s.listener = ln

	s.log.Printf("Listening for SSH connections at %s", ln.Addr())
	go s.acceptLoop()
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting connections, closes the live ones and waits for
// their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	close(s.done)
	s.log.Println("Server exiting")
	return err
}

func (s *Server) acceptLoop() {
	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Println("temporary error accepting incoming connection: ", err)
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			s.log.Errorf("failed to accept incoming connection: %s", err)
			return
		}
		tempDelay = 0

		if !s.track(nil) {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// track registers a connection handler; it reports false once the server is
// closed. A nil c only reserves the wait group slot.
func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if c == nil {
		s.wg.Add(1)
	} else {
		s.conns[c] = struct{}{}
	}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// sshConfig builds the per connection transport configuration.
func (s *Server) sshConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{}
	for _, key := range s.config.HostKeys {
		config.AddHostKey(key)
	}
	bindAuthDelegate(config, s.config.Auth)
	s.protocol.applyServer(config)
	return config
}

// serveConn performs the handshake on nConn and serves it until it closes.
// The caller must have reserved a wait group slot with track(nil).
func (s *Server) serveConn(nConn net.Conn) {
	defer s.wg.Done()

	if tcp, ok := nConn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(time.Second * 10)
	}

	// Before use, a handshake must be performed on the incoming net.Conn.
	// Closing the server aborts handshakes still in progress.
	stop := context.AfterFunc(s.ctx, func() { nConn.Close() })
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshConfig())
	stop()
	if err != nil {
		s.log.Debugf("handshake with %s failed: %s", nConn.RemoteAddr(), err)
		nConn.Close()
		return
	}

	c := newServerConn(s.ctx, conn, s.log)
	if !s.track(c) {
		conn.Close()
		return
	}
	defer s.untrack(c)
	s.metrics.connectionOpened()
	defer s.metrics.connectionClosed()

	c.log.Printf("logged in from %s (session %s)", conn.RemoteAddr(), c.SessionIDString())

	go c.handleGlobalRequests(reqs)
	if s.config.KeepAliveInterval > 0 {
		go c.keepalive(s.config.KeepAliveInterval)
	}

	// Service the incoming channels (eg session, direct-tcpip). See RFC 4250 4.9.1.
	for newChannel := range chans {
		c.channels.Add(1)
		go c.serveChannel(s.dispatcher, newChannel)
	}

	// The channel stream ends when the connection is gone; cancel what is
	// still running on it and wait for it to unwind.
	c.cancel()
	c.Close()
	werr := conn.Wait()
	c.channels.Wait()
	if perr := c.Err(); perr != nil {
		werr = perr
	}
	c.log.Printf("connection closed: %v", werr)
}
