// Package pump implements the per-connection bidirectional data pump: a
// local<->remote byte stream multiplexed over the shared framed control
// channel. Two goroutines per connection do the work, one reading the
// local socket and one draining an outbound queue into it, since the
// "remote" side is a multiplexed Data message stream rather than a
// dedicated connection that a plain io.Copy could bridge directly.
package pump

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sowback/sowback/internal/logging"
)

// BufferSize is the chunk size used when reading from the local socket.
const BufferSize = 32 * 1024

// OutboxCapacity bounds how many pending remote->local Data payloads may
// queue for one connection before SendFromRemote blocks. This is the
// backpressure mechanism that bounds per-session memory.
const OutboxCapacity = 64

// Connection pumps bytes between a local socket and the framed control
// channel for one ConnectionId.
type Connection struct {
	Logger       logging.Logger
	ConnectionID string

	local io.ReadWriteCloser

	// sendToRemote is called with each chunk read from the local socket; it
	// should wrap the bytes in a Data message and emit a frame.
	sendToRemote func(data []byte) error

	// onLocalClosed is invoked exactly once, when the local<->remote pump
	// ends for any reason (EOF, local write error, or explicit Close). The
	// caller uses it to emit CloseConnection and remove the registry entry.
	onLocalClosed func(err error)

	outbox    chan []byte
	closeOnce sync.Once
	doneCh    chan struct{}

	// bytesLocalToRemote and bytesRemoteToLocal are written from
	// readLocalLoop and writeLocalLoop respectively, and read from
	// terminate/Stats, so all access goes through atomic.Int64.
	bytesLocalToRemote atomic.Int64
	bytesRemoteToLocal atomic.Int64
}

// New creates a Connection pump. Call Start to begin pumping.
func New(
	logger logging.Logger,
	connectionID string,
	local io.ReadWriteCloser,
	sendToRemote func(data []byte) error,
	onLocalClosed func(err error),
) *Connection {
	return &Connection{
		Logger:        logger,
		ConnectionID:  connectionID,
		local:         local,
		sendToRemote:  sendToRemote,
		onLocalClosed: onLocalClosed,
		outbox:        make(chan []byte, OutboxCapacity),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the local-reader and outbox-writer goroutines.
func (c *Connection) Start() {
	go c.readLocalLoop()
	go c.writeLocalLoop()
}

// readLocalLoop is the Local -> Remote pump: read up to BufferSize bytes
// from the local socket, wrap in Data, emit one frame. On EOF or read
// error, trigger connection teardown.
func (c *Connection) readLocalLoop() {
	buf := make([]byte, BufferSize)
	for {
		n, err := c.local.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.bytesLocalToRemote.Add(int64(n))
			if sendErr := c.sendToRemote(chunk); sendErr != nil {
				c.terminate(sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				c.terminate(nil)
			} else {
				c.terminate(err)
			}
			return
		}
	}
}

// writeLocalLoop is the local-socket side of the Remote -> Local pump:
// drain queued Data payloads (enqueued by SendFromRemote) to the local
// socket, in the order they arrived.
func (c *Connection) writeLocalLoop() {
	for {
		select {
		case data, ok := <-c.outbox:
			if !ok {
				return
			}
			if _, err := c.local.Write(data); err != nil {
				c.terminate(err)
				return
			}
			c.bytesRemoteToLocal.Add(int64(len(data)))
		case <-c.doneCh:
			return
		}
	}
}

// SendFromRemote enqueues a Data payload received from the peer for
// writing to the local socket. It blocks if the outbox is full (bounded
// backpressure) and returns immediately if the connection has already
// terminated.
func (c *Connection) SendFromRemote(data []byte) {
	select {
	case c.outbox <- data:
	case <-c.doneCh:
	}
}

// terminate runs onLocalClosed exactly once and unblocks writeLocalLoop.
func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.local.Close()
		sent, received := c.bytesLocalToRemote.Load(), c.bytesRemoteToLocal.Load()
		if c.Logger != nil {
			if err != nil {
				c.Logger.DLogf("connection %s closed after %s sent, %s received: %s",
					c.ConnectionID, sizestr.ToString(sent), sizestr.ToString(received), err)
			} else {
				c.Logger.DLogf("connection %s closed after %s sent, %s received",
					c.ConnectionID, sizestr.ToString(sent), sizestr.ToString(received))
			}
		}
		if c.onLocalClosed != nil {
			c.onLocalClosed(err)
		}
	})
}

// Close tears down the pump from the outside (e.g. on a received
// CloseConnection message or session teardown). Safe to call more than
// once and concurrently with natural termination.
func (c *Connection) Close() error {
	c.terminate(nil)
	return nil
}

// Stats returns a human-readable byte-count summary, used in log lines.
func (c *Connection) Stats() string {
	return fmt.Sprintf("sent=%s received=%s", sizestr.ToString(c.bytesLocalToRemote.Load()), sizestr.ToString(c.bytesRemoteToLocal.Load()))
}

// BytesTransferred returns the total bytes pumped in each direction so
// far, for aggregation into a server- or client-wide throughput counter.
func (c *Connection) BytesTransferred() (localToRemote, remoteToLocal int64) {
	return c.bytesLocalToRemote.Load(), c.bytesRemoteToLocal.Load()
}
