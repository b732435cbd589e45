package sshmux

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// SubsystemHandler serves one subsystem channel. The channel is closed by the
// caller once ServeSubsystem returns; ctx is cancelled if the peer closes it first.
type SubsystemHandler interface {
	ServeSubsystem(ctx context.Context, ch ssh.Channel, user string) error
}

// SubsystemHandlerFunc adapts a function to SubsystemHandler.
type SubsystemHandlerFunc func(ctx context.Context, ch ssh.Channel, user string) error

func (f SubsystemHandlerFunc) ServeSubsystem(ctx context.Context, ch ssh.Channel, user string) error {
	return f(ctx, ch, user)
}

// SubsystemFactory builds the handler for a single subsystem request made by user.
type SubsystemFactory func(user string) (SubsystemHandler, error)

// registry is the set of delegates shared by every connection of a server.
// It is never mutated once published; updates publish a copy.
type registry struct {
	exec       ExecDelegate
	tunnels    TunnelDelegate
	subsystems map[string]SubsystemFactory
}

func (r *registry) clone() *registry {
	c := &registry{
		exec:       r.exec,
		tunnels:    r.tunnels,
		subsystems: make(map[string]SubsystemFactory, len(r.subsystems)+1),
	}
	for name, f := range r.subsystems {
		c.subsystems[name] = f
	}
	return c
}

type registryCell struct {
	p atomic.Pointer[registry]
}

func newRegistryCell() *registryCell {
	c := &registryCell{}
	c.p.Store(&registry{subsystems: map[string]SubsystemFactory{}})
	return c
}

func (c *registryCell) load() *registry {
	return c.p.Load()
}

func (c *registryCell) update(fn func(*registry)) {
	for {
		old := c.p.Load()
		next := old.clone()
		fn(next)
		if c.p.CompareAndSwap(old, next) {
			return
		}
	}
}

// EnableExec lets session channels of this server execute commands through
// delegate. Exec is disabled by default. Call it during setup, before clients
// connect; channels opened earlier keep the delegate set they started with.
func (s *Server) EnableExec(delegate ExecDelegate) {
	s.registry.update(func(r *registry) { r.exec = delegate })
}

// EnableSubsystem registers factory for subsystem requests named name
// (for example "sftp"). Setup-time only, like EnableExec.
func (s *Server) EnableSubsystem(name string, factory SubsystemFactory) error {
	if !subsystemNameValid(name) {
		return fmt.Errorf("sshmux: invalid subsystem name %q", name)
	}
	s.registry.update(func(r *registry) { r.subsystems[name] = factory })
	return nil
}

// EnableTunnels accepts direct-tcpip and forwarded-tcpip channels and hands
// them to delegate. Without it those channel types are rejected.
func (s *Server) EnableTunnels(delegate TunnelDelegate) {
	s.registry.update(func(r *registry) { r.tunnels = delegate })
}
