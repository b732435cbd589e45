package sshmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ExitStatus is how a command terminated: a normal exit code, or the name of
// the signal that killed it ("TERM", "KILL", ...) in which case Code is -1.
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports whether the command exited normally with code 0.
func (s ExitStatus) Success() bool {
	return s.Signal == "" && s.Code == 0
}

// normalized returns s in a form that fits the wire: exit-status carries an
// unsigned code, so a negative code without a signal becomes a plain failure.
func (s ExitStatus) normalized() ExitStatus {
	if s.Signal == "" && s.Code < 0 {
		return ExitStatus{Code: exitCodeFailure}
	}
	return s
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// ExecCommand is one command execution requested over a session channel.
// Stdout and Stderr stream to the client as they are written.
type ExecCommand struct {
	Command string
	User    string
	// Env holds NAME=value pairs from "env" requests sent before the exec request.
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Signals delivers signal names ("INT", "TERM", ...) sent by the client
	// while the command runs.
	Signals <-chan string
}

// ExecDelegate runs commands for exec requests. Exec must return once the
// command finished or ctx is cancelled, which happens when the client closes
// the channel. An error means the command could not be run at all.
type ExecDelegate interface {
	Exec(ctx context.Context, cmd *ExecCommand) (ExitStatus, error)
}

// ExecDelegateFunc adapts a function to ExecDelegate.
type ExecDelegateFunc func(ctx context.Context, cmd *ExecCommand) (ExitStatus, error)

func (f ExecDelegateFunc) Exec(ctx context.Context, cmd *ExecCommand) (ExitStatus, error) {
	return f(ctx, cmd)
}

const (
	exitCodeFailure  = 1
	exitCodeNotFound = 127
	signalBuffer     = 8
)

// failureStatus maps a delegate start error to the status reported to the client.
func failureStatus(err error) ExitStatus {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return ExitStatus{Code: exitCodeNotFound}
	}
	return ExitStatus{Code: exitCodeFailure}
}

// execExchange is the server side of a single exec request.
type execExchange struct {
	ch       ssh.Channel
	command  string
	user     string
	env      []string
	delegate ExecDelegate
	signals  chan string
	log      *log.Entry
	metrics  *Metrics
}

func newExecExchange(ch ssh.Channel, command, user string, env []string, delegate ExecDelegate, logger *log.Entry, metrics *Metrics) *execExchange {
	return &execExchange{
		ch:       ch,
		command:  command,
		user:     user,
		env:      env,
		delegate: delegate,
		signals:  make(chan string, signalBuffer),
		log:      logger.WithField("command", command),
		metrics:  metrics,
	}
}

// signal queues a client signal for the delegate; it never blocks the
// channel's request loop.
func (x *execExchange) signal(name string) bool {
	select {
	case x.signals <- name:
		return true
	default:
		return false
	}
}

// run executes the command and always leaves the channel closed.
func (x *execExchange) run(ctx context.Context) {
	started := time.Now()
	defer x.ch.Close()

	x.log.Debugf("exec started for %s", x.user)
	status, err := x.delegate.Exec(ctx, &ExecCommand{
		Command: x.command,
		User:    x.user,
		Env:     x.env,
		Stdin:   x.ch,
		Stdout:  x.ch,
		Stderr:  x.ch.Stderr(),
		Signals: x.signals,
	})

	if ctx.Err() != nil {
		// The peer closed the channel; nobody is left to receive a status.
		x.log.Debugf("exec cancelled: %s", ctx.Err())
		return
	}

	if err != nil {
		status = failureStatus(err)
		x.log.Printf("exec failed to run: %s", err)
		if _, werr := io.WriteString(x.ch.Stderr(), err.Error()+"\n"); werr != nil {
			x.log.Debugf("error writing exec failure: %s", werr)
		}
	}

	status = status.normalized()
	if err := sendExitStatus(x.ch, status); err != nil {
		x.log.Debugf("error sending exit status: %s", err)
	}
	if err := x.ch.CloseWrite(); err != nil {
		x.log.Debugf("error closing channel for writing: %s", err)
	}
	x.metrics.execFinished(status, time.Since(started))
	x.log.Debugf("exec finished with %s after %s", status, time.Since(started))
}

func sendExitStatus(ch ssh.Channel, status ExitStatus) error {
	var err error
	if status.Signal != "" {
		_, err = ch.SendRequest(exitSignalRequestType, false, ssh.Marshal(&exitSignalRequest{
			Signal: status.Signal,
		}))
	} else {
		_, err = ch.SendRequest(exitStatusRequestType, false, ssh.Marshal(&exitStatusRequest{
			Status: uint32(status.Code),
		}))
	}
	return err
}
