package sshmux

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ChannelType is the declared type of an inbound channel, see RFC 4250 4.9.1.
type ChannelType string

const (
	ChannelSession        ChannelType = "session"
	ChannelDirectTCPIP    ChannelType = "direct-tcpip"
	ChannelForwardedTCPIP ChannelType = "forwarded-tcpip"
)

// dispatcher turns inbound channels into configured application channels.
type dispatcher struct {
	registry  *registryCell
	metrics   *Metrics
	maxPacket int
}

// dispatch serves nc until it is closed. Channels that cannot be served are
// rejected and reported with *UnsupportedChannelTypeError; the connection is
// never affected.
func (d *dispatcher) dispatch(ctx context.Context, conn *serverConn, nc ssh.NewChannel) error {
	t := ChannelType(nc.ChannelType())
	logger := conn.log.WithField("channel", string(t))
	reg := d.registry.load()

	switch t {
	case ChannelSession:
		ch, reqs, err := nc.Accept()
		if err != nil {
			d.metrics.channel(t, "error")
			return fmt.Errorf("accept %s channel: %w", t, err)
		}
		d.metrics.channel(t, "accepted")

		gate := NewGate(ch)
		gate.maxPacket = d.maxPacket
		newSessionHandler(gate, conn.User(), reg, d.metrics, logger, conn.fail).serve(ctx, reqs)
		return nil

	case ChannelDirectTCPIP, ChannelForwardedTCPIP:
		if reg.tunnels == nil {
			return d.reject(nc, t, ssh.Prohibited, logger)
		}
		return serveTunnel(ctx, nc, conn.User(), reg.tunnels, d.metrics, logger)

	default:
		return d.reject(nc, t, ssh.UnknownChannelType, logger)
	}
}

func (d *dispatcher) reject(nc ssh.NewChannel, t ChannelType, reason ssh.RejectionReason, logger *log.Entry) error {
	err := &UnsupportedChannelTypeError{Type: t}
	d.metrics.channel(t, "rejected")
	logger.Debugf("sending channel rejection (reason=%v): %s", reason, err)
	if rejectErr := nc.Reject(reason, err.Error()); rejectErr != nil {
		logger.Debugf("unable to send channel rejection, ignoring: %s", rejectErr)
	}
	return err
}
