package remote

import "context"

// PutRemoteCopyData queues one chunk of COPY data on the connection.
//
// The connection may buffer part of the data even when it accepts the chunk.
// We provide back pressure by forcing a blocking flush once the unflushed
// byte count passes the configured threshold, which caps the growth of the
// internal send buffers when the producer outruns the network.
func (e *Executor) PutRemoteCopyData(ctx context.Context, conn *NodeConnection, data []byte) bool {
	if conn.Status() != StatusOK {
		return false
	}
	if !conn.PutCopyData(data) {
		return false
	}

	conn.copyBytesSinceFlush += len(data)
	if conn.copyBytesSinceFlush > e.copyFlushThreshold {
		conn.copyBytesSinceFlush = 0
		flushed, err := e.finishConnectionIO(ctx, conn, true)
		if err != nil {
			conn.MarkFailed()
			return false
		}
		return flushed
	}

	return true
}

// PutRemoteCopyEnd terminates the COPY stream and flushes everything still
// buffered. The final command result becomes retrievable afterwards.
func (e *Executor) PutRemoteCopyEnd(ctx context.Context, conn *NodeConnection) bool {
	if conn.Status() != StatusOK {
		return false
	}
	if !conn.PutCopyEnd() {
		return false
	}

	conn.copyBytesSinceFlush = 0

	flushed, err := e.finishConnectionIO(ctx, conn, true)
	if err != nil {
		conn.MarkFailed()
		return false
	}
	return flushed
}
