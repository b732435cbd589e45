package sshmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/ssh"
)

// testExec understands "echo <words>", "exit <code>" and "sleep".
var testExec = ExecDelegateFunc(func(ctx context.Context, cmd *ExecCommand) (ExitStatus, error) {
	fields := strings.Fields(cmd.Command)
	if len(fields) == 0 {
		return ExitStatus{}, nil
	}
	switch fields[0] {
	case "echo":
		fmt.Fprintln(cmd.Stdout, strings.Join(fields[1:], " "))
	case "exit":
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return ExitStatus{}, err
		}
		return ExitStatus{Code: code}, nil
	case "sleep":
		<-ctx.Done()
		return ExitStatus{}, ctx.Err()
	}
	return ExitStatus{}, nil
})

// hookRecorder collects the errors passed to OnDisconnect.
type hookRecorder struct {
	mu        sync.Mutex
	errs      []error
	connected []bool
}

func (h *hookRecorder) attach(c *Client) {
	c.OnDisconnect(func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, err)
		h.connected = append(h.connected, c.IsConnected())
	})
}

func (h *hookRecorder) calls() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func activeConnections(s *Server) func() float64 {
	return func() float64 {
		return testutil.ToFloat64(s.metrics.connectionsActive)
	}
}

var _ = Describe("Client", func() {
	var (
		ctx     context.Context
		hostKey ssh.Signer
		server  *Server
	)

	startServer := func(port int, exec ExecDelegate) *Server {
		cfg := testServerConfig(hostKey)
		cfg.Port = port
		s, err := Host(ctx, cfg)
		Expect(err).To(Not(HaveOccurred()))
		if exec != nil {
			s.EnableExec(exec)
		}
		return s
	}

	clientConfig := func(s *Server) ClientConfig {
		return ClientConfig{
			Host:             "127.0.0.1",
			Port:             serverPort(s),
			Auth:             PasswordBased("test", testPassword),
			HostKeyValidator: TrustedKeys(hostKey.PublicKey()),
			Timeout:          5 * time.Second,
			Logger:           quietLogger(),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		hostKey = newHostKey()
		server = nil
	})

	AfterEach(func() {
		if server != nil {
			server.Close()
		}
	})

	Context("connecting", func() {

		It("should connect with a password and survive a rejected command", func() {
			server = startServer(0, nil)
			client, err := Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
			defer client.Close()
			Expect(client.IsConnected()).To(BeTrue())

			_, err = client.ExecuteCommand(ctx, "test")
			Expect(err).To(MatchError(ErrCommandRejected))
			Expect(client.IsConnected()).To(BeTrue())
		})

		It("should connect with a private key", func() {
			userKey := newHostKey()
			cfg := testServerConfig(hostKey)
			keys, err := AuthorizedKeysAuth(ssh.MarshalAuthorizedKey(userKey.PublicKey()))
			Expect(err).To(Not(HaveOccurred()))
			cfg.Auth = keys
			server, err = Host(ctx, cfg)
			Expect(err).To(Not(HaveOccurred()))

			config := clientConfig(server)
			config.Auth = PrivateKeyBased("test", userKey)
			client, err := Connect(ctx, config)
			Expect(err).To(Not(HaveOccurred()))
			Expect(client.Close()).To(Succeed())
		})

		It("should classify a wrong password as an authentication error", func() {
			server = startServer(0, nil)
			config := clientConfig(server)
			config.Auth = PasswordBased("test", "wrong")

			_, err := Connect(ctx, config)
			var ce *ConnectError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Kind).To(Equal(ErrKindAuth))
		})

		It("should classify an untrusted host key", func() {
			server = startServer(0, nil)
			config := clientConfig(server)
			config.HostKeyValidator = TrustedKeys(newHostKey().PublicKey())

			_, err := Connect(ctx, config)
			var ce *ConnectError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Kind).To(Equal(ErrKindHostKey))
		})

		It("should classify a refused connection as a network error", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Not(HaveOccurred()))
			port := ln.Addr().(*net.TCPAddr).Port
			ln.Close()

			_, err = Connect(ctx, ClientConfig{
				Host:             "127.0.0.1",
				Port:             port,
				Auth:             PasswordBased("test", testPassword),
				HostKeyValidator: AcceptAnything(),
				Logger:           quietLogger(),
			})
			var ce *ConnectError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Kind).To(Equal(ErrKindNetwork))
		})

		It("should serve delegates from the server config on the first connection", func() {
			cfg := testServerConfig(hostKey)
			cfg.Exec = testExec
			cfg.Subsystems = map[string]SubsystemFactory{"echo": echoSubsystem}
			var err error
			server, err = Host(ctx, cfg)
			Expect(err).To(Not(HaveOccurred()))
			Expect(server.registry.load().subsystems).To(HaveKey("echo"))

			client, err := Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
			defer client.Close()
			result, err := client.ExecuteCommand(ctx, "echo first")
			Expect(err).To(Not(HaveOccurred()))
			Expect(string(result.Stdout)).To(Equal("first\n"))
		})

		It("should refuse invalid subsystem names in the server config", func() {
			cfg := testServerConfig(hostKey)
			cfg.Subsystems = map[string]SubsystemFactory{"bad name": echoSubsystem}
			_, err := Host(ctx, cfg)
			Expect(err).To(HaveOccurred())
		})

		It("should require a host key validator", func() {
			_, err := Connect(ctx, ClientConfig{Host: "127.0.0.1", Port: 22})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("executing commands", func() {
		var client *Client

		BeforeEach(func() {
			server = startServer(0, testExec)
			var err error
			client, err = Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
		})

		AfterEach(func() {
			client.Close()
		})

		It("should return the output and a zero status", func() {
			result, err := client.ExecuteCommand(ctx, "echo hi")
			Expect(err).To(Not(HaveOccurred()))
			Expect(string(result.Stdout)).To(Equal("hi\n"))
			Expect(result.Status.Code).To(Equal(0))
			Expect(result.Status.Success()).To(BeTrue())
		})

		It("should keep output of commands that finish before input is closed", func() {
			for i := 0; i < 20; i++ {
				result, err := client.ExecuteCommand(ctx, "echo hi")
				Expect(err).To(Not(HaveOccurred()))
				Expect(string(result.Stdout)).To(Equal("hi\n"))
				Expect(result.Status.Success()).To(BeTrue())
			}
		})

		It("should report a nonzero status with the result", func() {
			result, err := client.ExecuteCommand(ctx, "exit 3")
			var exitErr *ExitError
			Expect(errors.As(err, &exitErr)).To(BeTrue())
			Expect(exitErr.Status.Code).To(Equal(3))
			Expect(result).To(Not(BeNil()))
			Expect(result.Status.Code).To(Equal(3))
			Expect(client.IsConnected()).To(BeTrue())
		})

		It("should run commands concurrently on one connection", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					result, err := client.ExecuteCommand(ctx, fmt.Sprintf("echo %d", i))
					Expect(err).To(Not(HaveOccurred()))
					Expect(string(result.Stdout)).To(Equal(fmt.Sprintf("%d\n", i)))
				}(i)
			}
			wg.Wait()
		})

		It("should abandon a command when its context expires", func() {
			tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			_, err := client.ExecuteCommand(tctx, "sleep")
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(client.IsConnected()).To(BeTrue())

			result, err := client.ExecuteCommand(ctx, "echo still")
			Expect(err).To(Not(HaveOccurred()))
			Expect(string(result.Stdout)).To(Equal("still\n"))
		})
	})

	Context("closing", func() {

		It("should fire the disconnect hook once with a nil error", func() {
			server = startServer(0, testExec)
			client, err := Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
			hooks := &hookRecorder{}
			hooks.attach(client)
			Eventually(activeConnections(server)).Should(Equal(1.0))

			Expect(client.Close()).To(Succeed())
			Expect(hooks.calls()).To(Equal([]error{nil}))
			Expect(hooks.connected).To(Equal([]bool{false}))
			Expect(client.IsConnected()).To(BeFalse())
			Expect(client.State()).To(Equal(StateClosed))

			Expect(client.Close()).To(Succeed())
			Expect(hooks.calls()).To(HaveLen(1))
			Eventually(activeConnections(server)).Should(Equal(0.0))
		})

		It("should not open channels after close", func() {
			server = startServer(0, testExec)
			client, err := Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
			_, err = client.ExecuteCommand(ctx, "echo once")
			Expect(err).To(Not(HaveOccurred()))
			Expect(client.Close()).To(Succeed())

			sessions := testutil.ToFloat64(server.metrics.channelsTotal.WithLabelValues("session", "accepted"))
			_, err = client.ExecuteCommand(ctx, "echo twice")
			Expect(err).To(MatchError(ErrNotConnected))
			Expect(testutil.ToFloat64(server.metrics.channelsTotal.WithLabelValues("session", "accepted"))).To(Equal(sessions))
		})

		It("should report a remote close to the hook and stay closed", func() {
			server = startServer(0, testExec)
			client, err := Connect(ctx, clientConfig(server))
			Expect(err).To(Not(HaveOccurred()))
			hooks := &hookRecorder{}
			hooks.attach(client)

			Expect(server.Close()).To(Succeed())
			Expect(server.Close()).To(MatchError(ErrServerClosed))
			server = nil

			Eventually(client.State).Should(Equal(StateClosed))
			Eventually(hooks.calls).Should(HaveLen(1))
			Expect(hooks.calls()[0]).To(HaveOccurred())
			Expect(client.Close()).To(Succeed())
		})
	})

	Context("reconnecting", func() {

		It("should reconnect after the connection drops", func() {
			server = startServer(0, testExec)
			config := clientConfig(server)
			config.Reconnect = ReconnectWithBackoff(5, 10*time.Millisecond, 50*time.Millisecond)
			client, err := Connect(ctx, config)
			Expect(err).To(Not(HaveOccurred()))
			defer client.Close()
			hooks := &hookRecorder{}
			hooks.attach(client)

			Eventually(activeConnections(server)).Should(Equal(1.0))
			dropConnections(server)

			Eventually(hooks.calls).Should(HaveLen(1))
			Expect(hooks.calls()[0]).To(HaveOccurred())
			Eventually(client.IsConnected, 5*time.Second).Should(BeTrue())

			result, err := client.ExecuteCommand(ctx, "echo back")
			Expect(err).To(Not(HaveOccurred()))
			Expect(string(result.Stdout)).To(Equal("back\n"))
		})

		It("should fail fast while reconnecting and stop when closed", func() {
			server = startServer(0, testExec)
			config := clientConfig(server)
			config.Reconnect = ReconnectWithBackoff(-1, time.Hour, time.Hour)
			client, err := Connect(ctx, config)
			Expect(err).To(Not(HaveOccurred()))

			Expect(server.Close()).To(Succeed())
			server = nil
			Eventually(client.State).Should(Equal(StateReconnecting))

			_, err = client.ExecuteCommand(ctx, "echo nobody")
			Expect(err).To(MatchError(ErrNotConnected))

			Expect(client.Close()).To(Succeed())
			Eventually(client.State).Should(Equal(StateClosed))
		})

		It("should give up after the configured attempts", func() {
			server = startServer(0, testExec)
			config := clientConfig(server)
			config.Reconnect = ReconnectWithBackoff(2, 10*time.Millisecond, 20*time.Millisecond)
			client, err := Connect(ctx, config)
			Expect(err).To(Not(HaveOccurred()))
			defer client.Close()

			Expect(server.Close()).To(Succeed())
			server = nil
			Eventually(client.State, 5*time.Second).Should(Equal(StateClosed))
			Expect(client.IsConnected()).To(BeFalse())
		})
	})
})
