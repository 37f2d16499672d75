// Package wiretest provides a scripted in-memory implementation of the
// remote session contract, so executor and recovery tests run against
// deterministic worker nodes without sockets.
package wiretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sqlgrid/sqlgrid/core/cluster"
	"github.com/sqlgrid/sqlgrid/core/remote"
)

// FakeConn is a scripted AsyncConn. Commands are answered from the script;
// unscripted commands succeed with a bare command-completed result. Commands
// registered with Block stay busy until Release is called, which is how
// tests exercise the multiplexer and cancellation paths.
type FakeConn struct {
	mu       sync.Mutex
	ready    chan struct{}
	script   map[string][]*remote.Result
	scriptFn func(command string) []*remote.Result
	blocked  map[string]bool

	results []*remote.Result
	busy    bool
	bad     bool
	pending string

	// Sent records every command in arrival order.
	Sent []string

	// Copy bookkeeping.
	copyActive  bool
	copyEnded   bool
	queuedBytes int

	// DrainCount counts flushes that actually had queued copy bytes to
	// push, i.e. the synchronous flushes forced by back-pressure.
	DrainCount int

	// CancelRequests counts best-effort wire cancels.
	CancelRequests int
}

// NewFakeConn returns a healthy, idle connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		ready:   make(chan struct{}, 1),
		script:  make(map[string][]*remote.Result),
		blocked: make(map[string]bool),
	}
}

// Handle scripts the results for a command.
func (c *FakeConn) Handle(command string, results ...*remote.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[command] = results
}

// HandleFunc scripts results dynamically. The function is consulted before
// the static script; returning nil falls through to it. Useful when repeated
// sends of the same command must see different answers.
func (c *FakeConn) HandleFunc(fn func(command string) []*remote.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scriptFn = fn
}

// Block makes a command stay busy until Release.
func (c *FakeConn) Block(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[command] = true
}

// Release completes the blocked command in flight.
func (c *FakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == "" {
		return
	}
	c.deliverLocked(c.pending)
	c.pending = ""
}

// SetBad breaks the connection.
func (c *FakeConn) SetBad() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad = true
	c.notify()
}

func (c *FakeConn) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *FakeConn) deliverLocked(command string) {
	var results []*remote.Result
	if c.scriptFn != nil {
		results = c.scriptFn(command)
	}
	if results == nil {
		var scripted bool
		results, scripted = c.script[command]
		if !scripted {
			results = []*remote.Result{{Status: remote.ResultCommandOK, CommandTag: "OK"}}
		}
	}
	for _, result := range results {
		if result.Status == remote.ResultCopyIn {
			c.copyActive = true
			c.copyEnded = false
		}
		c.results = append(c.results, result)
	}
	c.busy = false
	c.notify()
}

func (c *FakeConn) Status() remote.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		return remote.StatusBad
	}
	return remote.StatusOK
}

func (c *FakeConn) SendQuery(command string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad || c.busy {
		return false
	}
	c.Sent = append(c.Sent, command)
	if c.blocked[command] {
		c.busy = true
		c.pending = command
		return true
	}
	c.deliverLocked(command)
	return true
}

func (c *FakeConn) Flush() remote.FlushStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		return remote.FlushFailed
	}
	if c.queuedBytes > 0 {
		c.queuedBytes = 0
		c.DrainCount++
	}
	return remote.FlushDone
}

func (c *FakeConn) ConsumeInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.bad
}

func (c *FakeConn) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *FakeConn) NextResult() *remote.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return nil
	}
	result := c.results[0]
	c.results = c.results[1:]
	return result
}

func (c *FakeConn) IOReady() <-chan struct{} { return c.ready }

func (c *FakeConn) PutCopyData(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad || !c.copyActive || c.copyEnded {
		return false
	}
	c.queuedBytes += len(data)
	return true
}

func (c *FakeConn) PutCopyEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.copyActive || c.copyEnded {
		return false
	}
	c.copyEnded = true
	c.copyActive = false
	c.results = append(c.results, &remote.Result{Status: remote.ResultCommandOK, CommandTag: "COPY"})
	c.notify()
	return true
}

func (c *FakeConn) CancelRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CancelRequests++
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad = true
	return nil
}

// QueuedCopyBytes reports how many copy bytes are buffered and unflushed.
func (c *FakeConn) QueuedCopyBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedBytes
}

// FakeDialer hands out scripted connections by node address.
type FakeDialer struct {
	mu sync.Mutex

	conns  map[string]*FakeConn
	errs   map[string]error
	Dialed []string
}

// NewFakeDialer returns an empty dialer; unknown nodes fail to connect.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		conns: make(map[string]*FakeConn),
		errs:  make(map[string]error),
	}
}

// Add registers the connection served for a node address.
func (d *FakeDialer) Add(address string, conn *FakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[address] = conn
}

// FailWith makes dialing an address return err.
func (d *FakeDialer) FailWith(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[address] = err
}

// Dial implements remote.Dialer.
func (d *FakeDialer) Dial(_ context.Context, node cluster.WorkerNode) (*remote.NodeConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	address := node.Address()
	d.Dialed = append(d.Dialed, address)
	if err := d.errs[address]; err != nil {
		return nil, err
	}
	conn, ok := d.conns[address]
	if !ok {
		return nil, fmt.Errorf("no scripted connection for %s", address)
	}
	return remote.NewNodeConnection(conn, node.Host, node.Port, "sqlgrid"), nil
}
