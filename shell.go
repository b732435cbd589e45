package sshmux

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// ShellExecDelegate runs exec requests as "<Shell> -c <command>" on the local host.
type ShellExecDelegate struct {
	// Shell defaults to /bin/sh.
	Shell string
	// Dir is the working directory; empty means the server's.
	Dir string
	// Env is prepended to the client supplied environment.
	Env []string
	// AcceptEnv lists the variable names, or path.Match patterns such as
	// "LC_*", a client may set with env requests. Others are dropped.
	AcceptEnv []string
}

const shellWaitDelay = 5 * time.Second

var sshSignals = map[ssh.Signal]syscall.Signal{
	ssh.SIGABRT: syscall.SIGABRT,
	ssh.SIGALRM: syscall.SIGALRM,
	ssh.SIGFPE:  syscall.SIGFPE,
	ssh.SIGHUP:  syscall.SIGHUP,
	ssh.SIGILL:  syscall.SIGILL,
	ssh.SIGINT:  syscall.SIGINT,
	ssh.SIGKILL: syscall.SIGKILL,
	ssh.SIGPIPE: syscall.SIGPIPE,
	ssh.SIGQUIT: syscall.SIGQUIT,
	ssh.SIGSEGV: syscall.SIGSEGV,
	ssh.SIGTERM: syscall.SIGTERM,
}

// signalName returns the name of sig without its "SIG" prefix, as sent in
// exit-signal requests.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return strings.TrimPrefix(name, "SIG")
	}
	return strconv.Itoa(int(sig))
}

// acceptedEnv keeps the NAME=value pairs whose name matches AcceptEnv.
func (d *ShellExecDelegate) acceptedEnv(env []string) []string {
	var accepted []string
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		for _, pattern := range d.AcceptEnv {
			if ok, _ := path.Match(pattern, name); ok {
				accepted = append(accepted, kv)
				break
			}
		}
	}
	return accepted
}

func (d *ShellExecDelegate) Exec(ctx context.Context, c *ExecCommand) (ExitStatus, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", c.Command)
	cmd.Dir = d.Dir
	cmd.Env = append(append(os.Environ(), d.Env...), d.acceptedEnv(c.Env)...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = shellWaitDelay

	// Stdin is copied outside of cmd so Wait does not depend on the client
	// ever closing its input.
	var stdin io.WriteCloser
	if c.Stdin != nil {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return ExitStatus{}, err
		}
	}

	if err := cmd.Start(); err != nil {
		return ExitStatus{}, err
	}

	if stdin != nil {
		go func() {
			io.Copy(stdin, c.Stdin)
			stdin.Close()
		}()
	}

	waited := make(chan struct{})
	defer close(waited)
	go func() {
		for {
			select {
			case name := <-c.Signals:
				if sig, ok := sshSignals[ssh.Signal(name)]; ok {
					cmd.Process.Signal(sig)
				}
			case <-waited:
				return
			}
		}
	}()

	err := cmd.Wait()
	if err == nil {
		return ExitStatus{}, nil
	}
	// ErrWaitDelay: the process exited but a leftover child still held the
	// output open. Its state is reported like any other exit.
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return ExitStatus{}, err
	}
	if cmd.ProcessState == nil {
		return ExitStatus{}, err
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: signalName(ws.Signal())}, nil
	}
	return ExitStatus{Code: cmd.ProcessState.ExitCode()}, nil
}
