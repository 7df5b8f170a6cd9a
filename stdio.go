package mcpscout

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// NewStdioTransport returns a Transport that spawns command with args on
// Connect and speaks newline-framed JSON-RPC over the child's stdin/stdout.
// The child is terminated on Close.
func NewStdioTransport(command string, args []string, options ...TransportOption) Transport {
	return newTransport(TransportStdio, &stdioConn{
		command: command,
		args:    args,
		logger:  slog.Default(),
	}, options...)
}

// NewPipeTransport returns a Transport speaking newline-framed JSON-RPC over
// an existing reader/writer pair. Used when the process on the other end is
// managed elsewhere, and by tests.
func NewPipeTransport(reader io.Reader, writer io.Writer, options ...TransportOption) Transport {
	return newTransport(TransportStdio, &lineConn{reader: reader, writer: writer}, options...)
}

// lineConn frames payloads as newline-terminated JSON over a reader/writer
// pair. Pipe reads block without honoring a context, so a single goroutine
// owns the reader for the connection's whole lifetime and feeds decoded lines
// into a channel that read drains. One reader means a cancelled read never
// leaves a competing goroutine behind.
type lineConn struct {
	reader io.Reader
	writer io.Writer

	mu      sync.Mutex
	lines   chan string
	readErr error
}

func (c *lineConn) open(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil || c.writer == nil {
		return errors.New("pipe transport has no reader/writer")
	}
	if c.lines == nil {
		c.lines = make(chan string)
		go c.readLines(c.lines)
	}
	return nil
}

// readLines is the sole reader of the underlying pipe. It runs until the pipe
// fails or reaches EOF; the terminal error is recorded and the channel closed
// so every pending and future read observes it.
func (c *lineConn) readLines(lines chan<- string) {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors
	// on large listings.
	buf := bufio.NewReader(c.reader)
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			close(lines)
			return
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			// Blank keepalive line.
			continue
		}
		lines <- line
	}
}

func (c *lineConn) write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.writer.Write(append(bytes.Clone(payload), '\n'))
	return err
}

func (c *lineConn) read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	lines := c.lines
	c.mu.Unlock()
	if lines == nil {
		return nil, errors.New("pipe transport not open")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-lines:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, err
		}
		return []byte(line), nil
	}
}

// close is a no-op: the pipes are owned by the caller (or by stdioConn, which
// tears the child down itself), and a reconnect cycle keeps the same reader.
func (c *lineConn) close() error {
	return nil
}

// stdioConn owns a spawned server process and the line protocol over its
// pipes. open kills any previous child first, so reconnection gets a fresh
// process.
type stdioConn struct {
	command string
	args    []string
	logger  *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	line  *lineConn
}

func (c *stdioConn) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		c.terminateLocked()
	}

	cmd := exec.Command(c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.command, err)
	}
	if err := ctx.Err(); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	go c.drainStderr(stderr)

	c.cmd = cmd
	c.stdin = stdin
	c.line = &lineConn{reader: stdout, writer: stdin}
	return c.line.open(ctx)
}

func (c *stdioConn) write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	line := c.line
	c.mu.Unlock()
	if line == nil {
		return errors.New("stdio transport not open")
	}
	return line.write(ctx, payload)
}

func (c *stdioConn) read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	line := c.line
	c.mu.Unlock()
	if line == nil {
		return nil, errors.New("stdio transport not open")
	}
	return line.read(ctx)
}

func (c *stdioConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked()
	return nil
}

// terminateLocked closes stdin to let the child exit on EOF, then escalates
// to SIGTERM and finally SIGKILL. Callers hold c.mu.
func (c *stdioConn) terminateLocked() {
	if c.cmd == nil {
		return
	}
	cmd := c.cmd
	c.cmd = nil
	c.line = nil

	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}

	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return
	case <-time.After(2 * time.Second):
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waited:
		return
	case <-time.After(2 * time.Second):
	}

	_ = cmd.Process.Kill()
	<-waited
}

func (c *stdioConn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("server stderr",
			slog.String("command", c.command), slog.String("line", scanner.Text()))
	}
}
