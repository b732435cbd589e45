package sshmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

const defaultConnectTimeout = 30 * time.Second

// ConnState is the lifecycle state of a Client.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// ClientConfig configures Connect.
type ClientConfig struct {
	Host string
	Port int
	Auth AuthenticationMethod
	// HostKeyValidator is required; use AcceptAnything to skip verification.
	HostKeyValidator HostKeyValidator
	Reconnect        ReconnectPolicy
	ProtocolOptions  []ProtocolOption
	// Timeout bounds dialing and the handshake; 0 means 30 seconds.
	Timeout time.Duration
	Logger  *log.Entry
}

// ExecResult is the outcome of ExecuteCommand.
type ExecResult struct {
	Stdout []byte
	Stderr []byte
	Status ExitStatus
}

// Client is a connection to an SSH server that can execute commands and
// survive disconnections according to its ReconnectPolicy.
type Client struct {
	config   ClientConfig
	protocol protocolConfig
	addr     string
	log      *log.Entry

	// ctx is cancelled by Close and aborts pending reconnect attempts.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state ConnState
	conn  *ssh.Client
	hooks []func(error)
	done  chan struct{}
}

// Connect dials the server, performs the handshake and authenticates. On
// failure it returns a *ConnectError and leaves nothing open.
func Connect(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.HostKeyValidator == nil {
		return nil, errors.New("sshmux: a host key validator is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultConnectTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.WithField("component", "sshmux-client")
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		protocol: newProtocolConfig(config.ProtocolOptions),
		addr:     addr,
		log:      logger.WithField("server", addr),
		ctx:      cctx,
		cancel:   cancel,
		state:    StateConnecting,
		done:     make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	c.state = StateConnected
	c.log.Printf("Connected as %s", config.Auth.User)

	go c.monitor(conn)
	return c, nil
}

func (c *Client) sshConfig(hostKeyRejected *bool) *ssh.ClientConfig {
	config := &ssh.ClientConfig{
		User:            c.config.Auth.User,
		Auth:            c.config.Auth.methods,
		HostKeyCallback: hostKeyCallback(c.config.HostKeyValidator, hostKeyRejected),
		Timeout:         c.config.Timeout,
	}
	c.protocol.applyClient(config)
	return config
}

// dial runs one connect sequence.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	d := net.Dialer{}
	nConn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &ConnectError{Kind: ErrKindNetwork, Addr: c.addr, Err: err}
	}

	var hostKeyRejected bool
	stop := context.AfterFunc(ctx, func() { nConn.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(nConn, c.addr, c.sshConfig(&hostKeyRejected))
	aborted := !stop()
	if err != nil {
		nConn.Close()
		kind := ErrKindHandshake
		switch {
		case hostKeyRejected:
			kind = ErrKindHostKey
		case strings.Contains(err.Error(), "unable to authenticate"):
			kind = ErrKindAuth
		case aborted:
			kind = ErrKindNetwork
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, &ConnectError{Kind: kind, Addr: c.addr, Err: err}
	}
	if aborted {
		conn.Close()
		return nil, &ConnectError{Kind: ErrKindNetwork, Addr: c.addr, Err: ctx.Err()}
	}

	// ssh.NewClient rejects channels opened by the server and answers its
	// global requests.
	return ssh.NewClient(conn, chans, reqs), nil
}

// monitor follows the connection until the client is closed for good,
// reconnecting according to the policy.
func (c *Client) monitor(conn *ssh.Client) {
	defer close(c.done)
	for {
		err := conn.Wait()

		c.mu.Lock()
		local := c.state == StateClosing
		c.conn = nil
		if local || !c.config.Reconnect.enabled() {
			c.state = StateClosed
		} else {
			c.state = StateReconnecting
		}
		state := c.state
		hooks := append([]func(error){}, c.hooks...)
		c.mu.Unlock()

		if local {
			err = nil
			c.log.Println("Disconnected")
		} else {
			if err == nil {
				err = io.EOF
			}
			c.log.Printf("Connection lost: %s", err)
		}
		for _, hook := range hooks {
			hook(err)
		}
		if state == StateClosed {
			c.cancel()
			return
		}

		next, rerr := c.reconnect()
		c.mu.Lock()
		if rerr != nil || c.state != StateReconnecting {
			c.state = StateClosed
			c.mu.Unlock()
			if next != nil {
				next.Close()
			}
			if rerr != nil {
				c.log.Printf("Giving up reconnecting: %s", rerr)
			}
			c.cancel()
			return
		}
		c.conn = next
		c.state = StateConnected
		c.mu.Unlock()
		c.log.Println("Reconnected")
		conn = next
	}
}

func (c *Client) reconnect() (*ssh.Client, error) {
	policy := c.config.Reconnect
	b := policy.backoff()
	var lastErr error
	for attempt := 0; !policy.exhausted(attempt); attempt++ {
		d := b.Duration()
		c.log.Printf("Retrying in %s... (attempt %d)", d, attempt+1)
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return nil, c.ctx.Err()
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Debugf("Connection error: %s", err)

		// Credentials or host identity will not fix themselves.
		var ce *ConnectError
		if errors.As(err, &ce) && (ce.Kind == ErrKindAuth || ce.Kind == ErrKindHostKey) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("reconnect attempts exhausted")
	}
	return nil, lastErr
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnDisconnect registers fn to run each time a connection is lost or closed.
// It runs once per connection, after IsConnected turned false, with nil for
// a local Close and the cause otherwise. fn must not block for long; it may
// call Close.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Close closes the connection and stops reconnecting. On a live connection
// it returns after the disconnect hooks have run. Closing a closed client is
// a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.state = StateClosing
		conn := c.conn
		c.mu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debugf("error closing connection: %s", err)
		}
		<-c.done
		return nil
	case StateReconnecting:
		c.state = StateClosed
		c.mu.Unlock()
		c.cancel()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

func (c *Client) current() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// ExecuteCommand runs command on a new session channel and returns its whole
// output. A nonzero exit yields the result together with an *ExitError.
func (c *Client) ExecuteCommand(ctx context.Context, command string) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	status, err := c.ExecuteCommandStream(ctx, command, &stdout, &stderr)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Status: status}, err
}

// ExecuteCommandStream runs command and streams its output to stdout and
// stderr as it arrives. It fails with ErrNotConnected, without opening a
// channel, when no connection is live.
func (c *Client) ExecuteCommandStream(ctx context.Context, command string, stdout, stderr io.Writer) (ExitStatus, error) {
	conn := c.current()
	if conn == nil {
		return ExitStatus{}, ErrNotConnected
	}

	ch, reqs, err := conn.OpenChannel(string(ChannelSession), nil)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("sshmux: open session channel: %w", err)
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	var status *ExitStatus
	reqsDone := make(chan struct{})
	go func() {
		defer close(reqsDone)
		for req := range reqs {
			switch req.Type {
			case exitStatusRequestType:
				var payload exitStatusRequest
				if ssh.Unmarshal(req.Payload, &payload) == nil {
					status = &ExitStatus{Code: int(payload.Status)}
				}
			case exitSignalRequestType:
				var payload exitSignalRequest
				if ssh.Unmarshal(req.Payload, &payload) == nil {
					status = &ExitStatus{Code: -1, Signal: payload.Signal}
				}
			}
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()

	ok, err := ch.SendRequest(execRequestType, true, ssh.Marshal(&execRequest{Command: command}))
	if err != nil {
		return ExitStatus{}, fmt.Errorf("sshmux: send exec request: %w", err)
	}
	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: %q", ErrCommandRejected, command)
	}
	// Nothing to send on stdin. io.EOF means the command already finished
	// and the channel is closing; its output and status are still queued.
	if err := ch.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
		return ExitStatus{}, fmt.Errorf("sshmux: close exec input: %w", err)
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(stdout, ch)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, ch.Stderr())
		return err
	})
	copyErr := g.Wait()
	ch.Close()
	<-reqsDone

	if ctx.Err() != nil {
		return ExitStatus{}, ctx.Err()
	}
	if copyErr != nil {
		return ExitStatus{}, fmt.Errorf("sshmux: read exec output: %w", copyErr)
	}
	if status == nil {
		return ExitStatus{}, ErrExitStatusMissing
	}
	if !status.Success() {
		return *status, &ExitError{Command: command, Status: *status}
	}
	return *status, nil
}
