// Package remote implements the asynchronous remote command engine: it sends
// SQL text to many worker nodes concurrently over non-blocking sessions,
// multiplexes result collection, classifies failures, and applies
// back-pressure to bulk copy streams.
package remote

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sqlgrid/sqlgrid/config"
)

// neverShutdown stands in when no process lifecycle channel is supplied.
var neverShutdown = make(chan struct{})

// Executor drives remote commands for one coordinator process. It carries
// the process-wide settings (copy flush threshold, command logging) and the
// process shutdown signal that the original design kept in globals.
type Executor struct {
	logger             *zap.Logger
	shutdown           <-chan struct{}
	copyFlushThreshold int
	logRemoteCommands  bool
	grepRemoteCommands string
}

// NewExecutor builds an Executor. The shutdown channel, when closed, makes
// every blocking wait fail with ErrShutdown regardless of cancellation
// policy; pass nil for processes without managed shutdown.
func NewExecutor(cfg config.Config, logger *zap.Logger, shutdown <-chan struct{}) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdown == nil {
		shutdown = neverShutdown
	}
	threshold := cfg.CopyFlushThreshold
	if threshold <= 0 {
		threshold = config.DefaultCopyFlushThreshold
	}
	return &Executor{
		logger:             logger,
		shutdown:           shutdown,
		copyFlushThreshold: threshold,
		logRemoteCommands:  cfg.LogRemoteCommands,
		grepRemoteCommands: cfg.GrepRemoteCommands,
	}
}

// logRemoteCommand logs commands sent to remote nodes if configured to do so.
func (e *Executor) logRemoteCommand(conn *NodeConnection, command string) {
	if !e.logRemoteCommands {
		return
	}
	if !commandMatchesLogGrepPattern(command, e.grepRemoteCommands) {
		return
	}
	e.logger.Info("issuing remote command",
		zap.String("command", command),
		zap.String("node", conn.Address()),
		zap.String("user", conn.User),
		zap.String("connection_id", conn.ConnectionID))
}

// commandMatchesLogGrepPattern reports whether command matches the LIKE
// pattern. An empty pattern matches every command.
func commandMatchesLogGrepPattern(command, pattern string) bool {
	if pattern == "" {
		return true
	}
	re, err := likeToRegexp(pattern)
	if err != nil {
		return true
	}
	return re.MatchString(command)
}

// likeToRegexp translates a SQL LIKE pattern into an anchored regexp.
// Backslash escapes the wildcard characters, as in Postgres.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}
