// Package stats tracks connection counts and proxied byte throughput for
// one Server or Client.
package stats

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps track of currently open and total client connection
// counts, plus the cumulative bytes pumped through every tunneled
// connection those clients have carried.
type ConnStats struct {
	count int32
	open  int32

	bytesIn  atomic.Int64 // local -> remote, across every pumped connection
	bytesOut atomic.Int64 // remote -> local, across every pumped connection
}

// New adds one to the total connection count.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddBytes tallies bytes pumped through one tunneled connection as it
// closes, so throughput survives the connection that produced it.
func (c *ConnStats) AddBytes(localToRemote, remoteToLocal int64) {
	c.bytesIn.Add(localToRemote)
	c.bytesOut.Add(remoteToLocal)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d, in=%s out=%s]",
		atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count),
		sizestr.ToString(c.bytesIn.Load()), sizestr.ToString(c.bytesOut.Load()))
}
