package sshmux

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

type sessionState int

const (
	awaitingRequest sessionState = iota
	configured
)

// sessionHandler routes the requests of one session channel. It accepts a
// single exec or subsystem request, installs the matching handler, and then
// releases the channel's gate.
type sessionHandler struct {
	gate    *Gate
	user    string
	reg     *registry
	metrics *Metrics
	log     *log.Entry
	// fail reports a panic in the installed handler; it tears down the connection.
	fail func(error)

	state sessionState
	env   []string
	exec  *execExchange
	done  chan struct{}
}

func newSessionHandler(gate *Gate, user string, reg *registry, metrics *Metrics, logger *log.Entry, fail func(error)) *sessionHandler {
	return &sessionHandler{
		gate:    gate,
		user:    user,
		reg:     reg,
		metrics: metrics,
		log:     logger,
		fail:    fail,
	}
}

// serve processes requests until the channel is closed, then waits for the
// installed handler to finish.
func (s *sessionHandler) serve(ctx context.Context, reqs <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for req := range reqs {
		ok, start := s.handleRequest(req)
		if req.WantReply {
			if err := req.Reply(ok, nil); err != nil {
				s.log.Debugf("error replying to %s request: %s", req.Type, err)
			}
		}
		if start != nil {
			s.install(ctx, start)
		}
	}

	// The request stream ends when the channel is closed by either side or
	// the connection goes away. A handler still running is cancelled.
	cancel()
	if s.done != nil {
		<-s.done
	}
	s.gate.Close()
}

// handleRequest decides the reply to req. A non-nil start function is the
// handler to install once the reply has been sent.
func (s *sessionHandler) handleRequest(req *ssh.Request) (bool, func(context.Context)) {
	switch req.Type {
	case execRequestType:
		if s.state == configured {
			s.violation(req)
			return false, nil
		}
		var payload execRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			s.log.Printf("error parsing exec payload: %s", err)
			s.metrics.request(req.Type, "malformed")
			return false, nil
		}
		if s.reg.exec == nil {
			// Not enabled; let the client see a plain failure reply.
			s.log.Debugf("exec request for %q not handled", payload.Command)
			s.metrics.request(req.Type, "unhandled")
			return false, nil
		}
		s.state = configured
		s.exec = newExecExchange(s.gate, payload.Command, s.user, s.env, s.reg.exec, s.log, s.metrics)
		s.metrics.request(req.Type, "accepted")
		return true, s.exec.run

	case subsystemRequestType:
		if s.state == configured {
			s.violation(req)
			return false, nil
		}
		var payload subsystemRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			s.log.Printf("error parsing subsystem payload: %s", err)
			s.metrics.request(req.Type, "malformed")
			return false, nil
		}
		factory, ok := s.reg.subsystems[payload.Name]
		if !ok {
			s.log.Debugf("subsystem %q not handled", payload.Name)
			s.metrics.request(req.Type, "unhandled")
			return false, nil
		}
		handler, err := factory(s.user)
		if err != nil {
			s.log.Printf("error creating subsystem %q: %s", payload.Name, err)
			s.metrics.request(req.Type, "failed")
			return false, nil
		}
		s.state = configured
		s.metrics.request(req.Type, "accepted")
		return true, s.subsystem(payload.Name, handler)

	case envRequestType:
		if s.state == configured {
			return false, nil
		}
		var payload envRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			return false, nil
		}
		s.env = append(s.env, payload.Name+"="+payload.Value)
		return true, nil

	case signalRequestType:
		if s.exec == nil {
			return false, nil
		}
		var payload signalRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			return false, nil
		}
		return s.exec.signal(payload.Signal), nil

	default:
		// pty-req, shell, x11-req and friends are not served.
		s.metrics.request(req.Type, "unhandled")
		return false, nil
	}
}

func (s *sessionHandler) violation(req *ssh.Request) {
	s.log.Warnf("rejecting %s request: %s", req.Type, ErrChannelAlreadyConfigured)
	s.metrics.request(req.Type, "rejected")
}

func (s *sessionHandler) subsystem(name string, handler SubsystemHandler) func(context.Context) {
	logger := s.log.WithField("subsystem", name)
	return func(ctx context.Context) {
		defer s.gate.Close()
		if err := handler.ServeSubsystem(ctx, s.gate, s.user); err != nil && ctx.Err() == nil {
			logger.Printf("subsystem error: %s", err)
		}
		if err := s.gate.CloseWrite(); err != nil {
			logger.Debugf("error closing channel for writing: %s", err)
		}
	}
}

// install releases the gate and starts the handler. Inbound data queued
// while the request was being decided goes to the handler first.
func (s *sessionHandler) install(ctx context.Context, start func(context.Context)) {
	s.done = make(chan struct{})
	if err := s.gate.MarkReady(); err != nil {
		s.log.Errorf("error releasing channel: %s", err)
	}
	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.gate.Close()
				s.fail(fmt.Errorf("panic in session handler: %v", r))
			}
		}()
		start(ctx)
	}()
}
