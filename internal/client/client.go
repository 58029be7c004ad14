// Package client implements connect-mode sowback: dial one of the
// configured servers, authenticate, register every configured service as a
// Proxy, then service inbound NewConnection requests by dialing the local
// target and pumping bytes. The outer loop dials, runs a session to
// completion, then backs off and reconnects using
// github.com/jpillora/backoff.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sowback/sowback/internal/idkit"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/service"
	"github.com/sowback/sowback/internal/shutdown"
	"github.com/sowback/sowback/internal/stats"
)

// Options configures a Client. Fields mirror config.ClientConfig.
type Options struct {
	Servers           []string
	Token             string
	Services          []service.Descriptor
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	Name              string
}

// Client drives the reconnect-forever loop around one clientSession at a
// time. The client_id is generated once per process and reused across
// reconnects; the server keeps no state keyed by it, so every reconnect
// starts a fresh server-side session.
type Client struct {
	shutdown.Helper

	opts     Options
	clientID string
	logger   logging.Logger
	stats    stats.ConnStats
}

// NewClient creates a Client. Call Run to start the connect loop.
func NewClient(logger logging.Logger, opts Options) *Client {
	c := &Client{
		opts:     opts,
		clientID: idkit.New(),
		logger:   logger.Fork("client %s", opts.Name),
	}
	c.InitHelper(c.logger, c)
	return c
}

// HandleOnceShutdown satisfies shutdown.OnceShutdownHandler; the actual
// teardown of an in-flight session happens via ctx cancellation in Run.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Run dials, authenticates, and services the tunnel until ctx is canceled,
// reconnecting with exponential backoff between attempts.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Activate(); err != nil {
		return err
	}
	b := &backoff.Backoff{
		Min:    c.opts.ReconnectInterval,
		Max:    60 * time.Second,
		Factor: 2,
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		sess, err := c.dial(ctx)
		if err != nil {
			c.logger.WLogf("dial failed: %s", err)
			if !c.sleep(ctx, b.Duration()) {
				return nil
			}
			continue
		}
		b.Reset()
		c.stats.New()
		c.stats.Open()
		err = sess.run(ctx)
		c.stats.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WLogf("session ended: %s; reconnecting %s", err, c.stats.String())
		if !c.sleep(ctx, b.Duration()) {
			return nil
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	c.logger.ILogf("reconnecting in %s", d)
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// dial connects to the first reachable address in opts.Servers, trying
// each configured server in order. If every address fails, the caller
// backs off and retries.
func (c *Client) dial(ctx context.Context) (*clientSession, error) {
	var lastErr error
	for _, addr := range c.opts.Servers {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		c.logger.ILogf("connected to %s", addr)
		return newClientSession(c, conn), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no servers configured")
	}
	return nil, lastErr
}
