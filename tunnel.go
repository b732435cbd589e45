package sshmux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jpillora/sizestr"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// TunnelRequest describes a direct-tcpip or forwarded-tcpip channel.
type TunnelRequest struct {
	Type       ChannelType
	User       string
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// Dest returns DestAddr:DestPort.
func (r *TunnelRequest) Dest() string {
	return joinHostPort(r.DestAddr, r.DestPort)
}

// TunnelDelegate provides the far end of a tunnel channel. Returning an error
// rejects the channel.
type TunnelDelegate interface {
	OpenTunnel(ctx context.Context, req *TunnelRequest) (net.Conn, error)
}

// DialTunnelDelegate serves tunnels by dialing the requested destination over TCP.
type DialTunnelDelegate struct {
	Dialer net.Dialer
}

func (d *DialTunnelDelegate) OpenTunnel(ctx context.Context, req *TunnelRequest) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", req.Dest())
}

const bufferSize = 32 << 10 // 32 kB buffer.
var bufPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, bufferSize)
		return &buffer
	},
}

func serveTunnel(ctx context.Context, nc ssh.NewChannel, user string, delegate TunnelDelegate, metrics *Metrics, logger *log.Entry) error {
	t := ChannelType(nc.ChannelType())
	var payload tunnelChannelData
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		metrics.channel(t, "failed")
		nc.Reject(ssh.ConnectionFailed, "malformed channel data")
		return fmt.Errorf("parse %s payload: %w", nc.ChannelType(), err)
	}
	req := &TunnelRequest{
		Type:       t,
		User:       user,
		DestAddr:   payload.DestAddr,
		DestPort:   payload.DestPort,
		OriginAddr: payload.OriginAddr,
		OriginPort: payload.OriginPort,
	}

	conn, err := delegate.OpenTunnel(ctx, req)
	if err != nil {
		metrics.channel(t, "failed")
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return fmt.Errorf("open tunnel to %s: %w", req.Dest(), err)
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		metrics.channel(t, "error")
		conn.Close()
		return fmt.Errorf("accept %s channel: %w", req.Type, err)
	}
	metrics.channel(t, "accepted")
	go ssh.DiscardRequests(reqs)

	pipe(ctx, ch, conn, logger.WithField("dest", req.Dest()))
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies between ch and conn until both directions finish or ctx is
// cancelled, then closes both ends.
func pipe(ctx context.Context, ch ssh.Channel, conn net.Conn, logger *log.Entry) {
	var sent, received int64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		n, err := io.CopyBuffer(conn, ch, *buf)
		received = n
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		n, err := io.CopyBuffer(ch, conn, *buf)
		sent = n
		ch.CloseWrite()
		return err
	})
	go func() {
		<-gctx.Done()
		ch.Close()
		conn.Close()
	}()

	if err := g.Wait(); err != nil {
		logger.Debugf("tunnel copy error: %s", err)
	}
	logger.Debugf("tunnel closed (sent %s received %s)", sizestr.ToString(sent), sizestr.ToString(received))
}
