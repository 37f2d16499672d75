package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/sqlgrid/sqlgrid/core/cluster"
)

// pgAsyncConn adapts a pgconn session to the AsyncConn contract. pgconn's
// API is blocking, so the adapter runs each command on an internal goroutine
// and exposes progress through the readiness channel; the executor's logical
// ordering is unaffected by where the bytes move.
type pgAsyncConn struct {
	pg *pgconn.PgConn

	mu      sync.Mutex
	ready   chan struct{}
	results []*Result
	busy    bool
	bad     bool

	// COPY FROM STDIN bridging: queued chunks are drained into the pipe
	// feeding pgconn's CopyFrom by a copier goroutine.
	copyActive   bool
	copyEnded    bool
	copyQueue    [][]byte
	copyInFlight bool
	copyKick     chan struct{}
	copyWriter   *io.PipeWriter
}

func newPGAsyncConn(pg *pgconn.PgConn) *pgAsyncConn {
	return &pgAsyncConn{
		pg:    pg,
		ready: make(chan struct{}, 1),
	}
}

// notify queues one readiness token. The channel holds at most one; the
// waiter re-checks state after every receive, so collapsing signals is fine.
func (c *pgAsyncConn) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *pgAsyncConn) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad || c.pg.IsClosed() {
		return StatusBad
	}
	return StatusOK
}

func (c *pgAsyncConn) SendQuery(command string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bad || c.busy || c.copyActive || c.pg.IsClosed() {
		return false
	}

	if isCopyFromStdin(command) {
		c.startCopyLocked(command)
		return true
	}

	c.busy = true
	go c.runQuery(command)
	return true
}

func (c *pgAsyncConn) runQuery(command string) {
	mrr := c.pg.Exec(context.Background(), command)
	results, err := mrr.ReadAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range results {
		c.results = append(c.results, c.convertResult(r.Err, r))
	}
	if err != nil && len(results) == 0 {
		c.results = append(c.results, c.convertResult(err, nil))
	}
	if c.pg.IsClosed() {
		c.bad = true
	}
	c.busy = false
	c.notify()
}

// convertResult maps a pgconn result (or bare error) onto the executor's
// result model. Must be called with c.mu held.
func (c *pgAsyncConn) convertResult(err error, r *pgconn.Result) *Result {
	if err != nil {
		result := &Result{Status: ResultNonFatalError, Message: err.Error()}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			result.SQLState = pgErr.Code
			result.Message = pgErr.Message
			result.Detail = pgErr.Detail
			result.Hint = pgErr.Hint
			result.Context = pgErr.Where
		}
		if c.pg.IsClosed() {
			result.Status = ResultFatalError
		}
		return result
	}

	if len(r.FieldDescriptions) > 0 {
		rows := make([][]string, len(r.Rows))
		for i, row := range r.Rows {
			fields := make([]string, len(row))
			for j, field := range row {
				fields[j] = string(field)
			}
			rows[i] = fields
		}
		return &Result{Status: ResultTuplesOK, Rows: rows, CommandTag: r.CommandTag.String()}
	}

	return &Result{Status: ResultCommandOK, CommandTag: r.CommandTag.String()}
}

func (c *pgAsyncConn) Flush() FlushStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		return FlushFailed
	}
	if len(c.copyQueue) > 0 || c.copyInFlight {
		return FlushAgain
	}
	return FlushDone
}

func (c *pgAsyncConn) ConsumeInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.bad
}

func (c *pgAsyncConn) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *pgAsyncConn) NextResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return nil
	}
	result := c.results[0]
	c.results = c.results[1:]
	return result
}

func (c *pgAsyncConn) IOReady() <-chan struct{} { return c.ready }

// startCopyLocked switches the session into copy-in mode. A ResultCopyIn is
// buffered immediately so the caller sees the same result sequence as the
// wire protocol would produce.
func (c *pgAsyncConn) startCopyLocked(command string) {
	reader, writer := io.Pipe()
	c.copyActive = true
	c.copyEnded = false
	c.copyWriter = writer
	c.copyKick = make(chan struct{}, 1)
	c.results = append(c.results, &Result{Status: ResultCopyIn})

	go c.runCopier(writer)
	go c.runCopy(command, reader)
}

func (c *pgAsyncConn) runCopy(command string, reader *io.PipeReader) {
	tag, err := c.pg.CopyFrom(context.Background(), reader, command)
	reader.CloseWithError(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.results = append(c.results, c.convertResult(err, nil))
	} else {
		c.results = append(c.results, &Result{Status: ResultCommandOK, CommandTag: tag.String()})
	}
	if c.pg.IsClosed() {
		c.bad = true
	}
	c.copyActive = false
	c.busy = false
	c.notify()
}

// runCopier drains the queued copy chunks into the pipe. Pipe writes block
// until CopyFrom consumes them, which is what makes the executor's forced
// flush genuinely wait for the server.
func (c *pgAsyncConn) runCopier(writer *io.PipeWriter) {
	for {
		c.mu.Lock()
		if len(c.copyQueue) == 0 {
			if c.copyEnded {
				c.mu.Unlock()
				writer.Close()
				return
			}
			kick := c.copyKick
			c.mu.Unlock()
			<-kick
			continue
		}
		chunk := c.copyQueue[0]
		c.copyQueue = c.copyQueue[1:]
		c.copyInFlight = true
		c.mu.Unlock()

		_, err := writer.Write(chunk)

		c.mu.Lock()
		c.copyInFlight = false
		if err != nil {
			c.copyQueue = nil
			c.mu.Unlock()
			c.notify()
			return
		}
		c.mu.Unlock()
		c.notify()
	}
}

func (c *pgAsyncConn) kickCopier() {
	select {
	case c.copyKick <- struct{}{}:
	default:
	}
}

func (c *pgAsyncConn) PutCopyData(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad || !c.copyActive || c.copyEnded {
		return false
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	c.copyQueue = append(c.copyQueue, chunk)
	c.kickCopier()
	return true
}

func (c *pgAsyncConn) PutCopyEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.copyActive || c.copyEnded {
		return false
	}
	c.copyEnded = true
	c.busy = true
	c.kickCopier()
	return true
}

func (c *pgAsyncConn) CancelRequest() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.pg.CancelRequest(ctx)
	}()
}

func (c *pgAsyncConn) Close() error {
	c.mu.Lock()
	if c.copyActive && c.copyWriter != nil {
		c.copyWriter.CloseWithError(errors.New("connection closed"))
	}
	c.bad = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pg.Close(ctx)
}

// isCopyFromStdin detects the copy-in commands that must be bridged onto
// pgconn's CopyFrom.
func isCopyFromStdin(command string) bool {
	upper := strings.ToUpper(strings.TrimSpace(command))
	return strings.HasPrefix(upper, "COPY ") && strings.Contains(upper, "FROM STDIN")
}

// PGDialer opens Postgres wire protocol sessions to worker nodes.
type PGDialer struct {
	User           string
	Database       string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Dial connects to the given node. Failures come back as ConnectionError so
// callers can classify them uniformly.
func (d *PGDialer) Dial(ctx context.Context, node cluster.WorkerNode) (*NodeConnection, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s connect_timeout=%d sslmode=prefer",
		node.Host, node.Port, d.User, d.Database, int(timeout.Seconds()))

	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, &ConnectionError{User: d.User, Host: node.Host, Port: node.Port, Err: err}
	}

	pg, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{User: d.User, Host: node.Host, Port: node.Port, Err: err}
	}

	if d.Logger != nil {
		d.Logger.Debug("opened connection to worker node", zap.String("node", node.Address()))
	}
	return NewNodeConnection(newPGAsyncConn(pg), node.Host, node.Port, d.User), nil
}
