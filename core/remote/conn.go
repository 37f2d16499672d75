package remote

import (
	"context"

	"github.com/google/uuid"

	"github.com/sqlgrid/sqlgrid/core/cluster"
)

// ConnStatus is the coarse health of a session.
type ConnStatus int

const (
	// StatusOK means the session is usable.
	StatusOK ConnStatus = iota
	// StatusBad means the socket is broken; no further commands will work.
	StatusBad
)

// FlushStatus reports the outcome of pushing buffered outbound bytes.
type FlushStatus int

const (
	// FlushDone means nothing remains in the outbound buffer.
	FlushDone FlushStatus = iota
	// FlushAgain means bytes remain; the caller should wait for readiness
	// and flush again.
	FlushAgain
	// FlushFailed means the write failed; the connection is broken.
	FlushFailed
)

// AsyncConn is the non-blocking session contract a worker node connection
// must provide. Implementations may drive the socket with internal
// goroutines; callers observe progress only through IOReady and the
// non-blocking accessors below, so the executor's logical event ordering is
// independent of how the bytes actually move.
type AsyncConn interface {
	// Status reports coarse connection health.
	Status() ConnStatus

	// SendQuery queues a command. It returns false, without error detail,
	// when the connection is not in a usable state or a command is already
	// in flight. The caller distinguishes this from a remote error.
	SendQuery(command string) bool

	// Flush pushes buffered outbound bytes without blocking.
	Flush() FlushStatus

	// ConsumeInput reads whatever the socket has available without
	// blocking. It returns false on a low-level failure.
	ConsumeInput() bool

	// IsBusy reports whether a result is pending but not yet fully
	// received.
	IsBusy() bool

	// NextResult pops the next buffered result, or nil when none is
	// available without further I/O.
	NextResult() *Result

	// IOReady is signaled whenever the connection's state may have
	// advanced. The channel is owned by the connection and stays valid
	// until Close.
	IOReady() <-chan struct{}

	// PutCopyData queues copy data during a COPY FROM STDIN. It returns
	// false if the connection cannot accept copy data.
	PutCopyData(data []byte) bool

	// PutCopyEnd terminates the copy stream. The final command result
	// becomes available once the remote side acknowledges.
	PutCopyEnd() bool

	// CancelRequest makes a best-effort attempt to cancel the command in
	// flight on the server side.
	CancelRequest()

	// Close tears down the session.
	Close() error
}

// NodeConnection binds an AsyncConn to the node it reaches, plus the
// per-connection bookkeeping the executor needs: the copy back-pressure byte
// counter and the sticky transaction-failed flag. A NodeConnection is owned
// by a single caller for the duration of one pass and must not be shared.
type NodeConnection struct {
	AsyncConn

	Host string
	Port int
	User string

	// ConnectionID tags log lines so concurrent connections to the same
	// node can be told apart.
	ConnectionID string

	copyBytesSinceFlush int
	transactionFailed   bool
}

// NewNodeConnection wraps an AsyncConn with node identity.
func NewNodeConnection(conn AsyncConn, host string, port int, user string) *NodeConnection {
	return &NodeConnection{
		AsyncConn:    conn,
		Host:         host,
		Port:         port,
		User:         user,
		ConnectionID: uuid.NewString(),
	}
}

// Address returns host:port for diagnostics.
func (c *NodeConnection) Address() string {
	return cluster.WorkerNode{Host: c.Host, Port: c.Port}.Address()
}

// MarkFailed permanently flags the connection's transaction as failed. The
// flag is never cleared; a failed connection is not reused.
func (c *NodeConnection) MarkFailed() { c.transactionFailed = true }

// Failed reports whether any command on this connection has failed.
func (c *NodeConnection) Failed() bool { return c.transactionFailed }

// Dialer opens connections to worker nodes.
type Dialer interface {
	Dial(ctx context.Context, node cluster.WorkerNode) (*NodeConnection, error)
}
