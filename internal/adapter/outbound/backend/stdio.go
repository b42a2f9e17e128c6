// Package backend contains the transports that carry admitted calls to the
// MCP server behind the gateway: a stdio child process and a streamable
// HTTP endpoint. Both assign their own wire ids, so the caller's JSON-RPC
// id never reaches the backend; gateway credentials stay out of the
// forwarded payload and, for the child process, out of its environment.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paygate-mcp/paygate/internal/port/outbound"
	"github.com/paygate-mcp/paygate/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial buffer size for the response
	// scanner. Responses are typically small; the buffer grows on demand.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// maxResponseSize is the largest backend response accepted on any
	// transport. Lines or bodies beyond it fail the call rather than the
	// process.
	maxResponseSize = 10 * 1024 * 1024 // 10MB

	// envPrefix marks the gateway's own environment variables. They carry
	// credentials (admin key, signing secrets) and are stripped from the
	// child's environment.
	envPrefix = "PAYGATE_"
)

// Transport failures shared by both clients.
var (
	ErrNotStarted = errors.New("backend not started")
	ErrClosed     = errors.New("backend connection closed")
)

// StdioClient runs the MCP server as a child process and multiplexes
// JSON-RPC calls over its stdin/stdout, one envelope per line. Concurrent
// callers are correlated through a pending table keyed by the wire id; the
// child's stderr passes through to the gateway's own.
type StdioClient struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex // lifecycle
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started bool
	closed  bool
	dead    bool // reader loop has exited; no responses can arrive

	writeMu sync.Mutex // single writer on the child's stdin

	seq        atomic.Int64
	pending    sync.Map // wire id string -> chan *mcp.Response
	readerDone chan struct{}
}

// Compile-time check that StdioClient implements the Backend port.
var _ outbound.Backend = (*StdioClient)(nil)

// NewStdioClient creates a client that will spawn the given command as the
// backend MCP server. A nil logger falls back to slog.Default().
func NewStdioClient(command string, args []string, logger *slog.Logger) *StdioClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioClient{
		command: command,
		args:    args,
		logger:  logger,
	}
}

// Start spawns the child process and begins demultiplexing its stdout.
// The child inherits the parent environment minus the gateway's own
// variables, and its stderr is passed through.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("backend already started")
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = scrubEnv(os.Environ())
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend process: %w", err)
	}

	c.cmd = cmd
	c.connectLocked(stdin, stdout)
	c.logger.Info("backend process started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// connectLocked wires the transport onto the given pipes and starts the
// reader. Callers hold c.mu. Tests use it to drive the framing loop
// without a real process.
func (c *StdioClient) connectLocked(stdin io.WriteCloser, stdout io.ReadCloser) {
	c.stdin = stdin
	c.stdout = stdout
	c.started = true
	c.dead = false
	c.readerDone = make(chan struct{})
	go c.readLoop(stdout)
}

// Call sends one request and blocks until the matching response arrives,
// ctx expires, or the transport fails. A JSON-RPC error envelope from the
// backend is returned as *mcp.RPCError.
func (c *StdioClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	wireID := strconv.FormatInt(c.seq.Add(1), 10)
	line, err := json.Marshal(mcp.Request{
		JSONRPC: mcp.Version,
		ID:      json.RawMessage(wireID),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan *mcp.Response, 1)
	if err := c.register(wireID, ch); err != nil {
		return nil, err
	}

	if err := c.writeLine(line); err != nil {
		c.pending.Delete(wireID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pending.Delete(wireID)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification. No wire id is assigned and no response is
// awaited.
func (c *StdioClient) Notify(_ context.Context, method string, params json.RawMessage) error {
	if err := c.usable(); err != nil {
		return err
	}
	line, err := json.Marshal(mcp.Request{
		JSONRPC: mcp.Version,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return c.writeLine(line)
}

// Wait blocks until the child process exits and returns its exit error.
// It must only be called after Start.
func (c *StdioClient) Wait() error {
	c.mu.Lock()
	cmd := c.cmd
	done := c.readerDone
	c.mu.Unlock()

	if cmd == nil {
		return ErrNotStarted
	}
	// The reader must drain stdout before Wait closes the pipes.
	<-done
	return cmd.Wait()
}

// Close terminates the child process and fails all pending calls. It is
// idempotent. The exit status is left for Wait to collect.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd, stdin, stdout := c.cmd, c.stdin, c.stdout
	done := c.readerDone
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill backend process: %w", err))
		}
	}
	if stdout != nil {
		if err := stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
	}
	if done != nil {
		<-done
	}

	return errors.Join(errs...)
}

// Alive reports last-known transport liveness without touching the child:
// true between a successful Start and the first of Close or reader exit.
func (c *StdioClient) Alive() bool {
	return c.usable() == nil
}

// usable reports whether the transport can carry a message right now.
func (c *StdioClient) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed || c.dead:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

func (c *StdioClient) register(wireID string, ch chan *mcp.Response) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.pending.Store(wireID, ch)
	return nil
}

func (c *StdioClient) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	if _, err := c.stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

// readLoop scans one JSON envelope per line off the child's stdout and
// routes each to the pending call that owns its id. It exits when stdout
// reaches EOF or a line exceeds maxResponseSize, failing every pending
// call on the way out.
func (c *StdioClient) readLoop(stdout io.Reader) {
	defer close(c.readerDone)
	defer c.failPending()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, maxResponseSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp mcp.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("dropping undecodable backend line", "error", err)
			continue
		}
		if len(resp.ID) == 0 {
			// Server-initiated notification; nothing is waiting on it.
			c.logger.Debug("dropping backend notification")
			continue
		}

		ch, ok := c.pending.LoadAndDelete(string(resp.ID))
		if !ok {
			c.logger.Warn("backend response with no pending call", "id", string(resp.ID))
			continue
		}
		ch.(chan *mcp.Response) <- &resp
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Error("backend read loop ended", "error", err)
	}
}

// failPending marks the transport dead and closes every pending channel so
// waiters observe ErrClosed.
func (c *StdioClient) failPending() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()

	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		close(value.(chan *mcp.Response))
		return true
	})
}

// scrubEnv returns env without the gateway's own variables.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, envPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
