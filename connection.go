package sshmux

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const keepaliveMaxMissed = 2

// serverConn is one authenticated connection served by a Server.
type serverConn struct {
	*ssh.ServerConn
	*sync.Mutex
	id     string
	log    *log.Entry
	ctx    context.Context
	cancel context.CancelFunc
	err    error

	channels sync.WaitGroup
}

func newServerConn(ctx context.Context, conn *ssh.ServerConn, logger *log.Entry) *serverConn {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &serverConn{
		ServerConn: conn,
		Mutex:      &sync.Mutex{},
		id:         id,
		log: logger.WithFields(log.Fields{
			"conn": id,
			"user": conn.User(),
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *serverConn) SessionIDString() string {
	return hex.EncodeToString(c.SessionID())
}

// fail logs a pipeline error and force-closes the connection. Only the first
// error is kept.
func (c *serverConn) fail(err error) {
	c.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.Unlock()
	if first {
		c.log.Errorf("closing connection: %s", err)
	}
	c.cancel()
	if cerr := c.Close(); cerr != nil {
		c.log.Debugf("error closing session %s: %s", c.SessionIDString(), cerr)
	}
}

// Err returns the pipeline error that closed the connection, if any.
func (c *serverConn) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

// serveChannel dispatches one inbound channel. A panic while serving it is a
// pipeline error; an ordinary dispatch error only concerns this channel.
func (c *serverConn) serveChannel(d *dispatcher, nc ssh.NewChannel) {
	defer c.channels.Done()
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("panic serving %s channel: %v", nc.ChannelType(), r))
		}
	}()

	if err := d.dispatch(c.ctx, c, nc); err != nil {
		c.log.Debugf("channel not served: %s", err)
	}
}

// handleGlobalRequests answers connection level requests. None are served,
// keepalives included, so every request gets a failure reply.
func (c *serverConn) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// keepalive pings the client every interval and closes the connection after
// keepaliveMaxMissed unanswered pings.
func (c *serverConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	missingReplies := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			missed := missingReplies
			missingReplies++
			mu.Unlock()
			if missed >= keepaliveMaxMissed {
				c.fail(fmt.Errorf("did not receive keepalive replies for session %s", c.SessionIDString()))
				return
			}
			go func() {
				// SendRequest blocks until the reply arrives.
				if _, _, err := c.SendRequest(keepaliveRequestType, true, nil); err == nil {
					mu.Lock()
					missingReplies = 0
					mu.Unlock()
				}
			}()
		}
	}
}
