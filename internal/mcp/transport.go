package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// killGrace is how long a server gets between SIGTERM and SIGKILL.
const killGrace = 3 * time.Second

// readBufferSize caps a single JSON-RPC line from the server (1MB).
const readBufferSize = 1 << 20

// Transport owns one child process and multiplexes JSON-RPC requests
// over its stdio. Writes are FIFO behind a mutex; responses are
// correlated to waiters through the pending map. Lines that do not
// parse as responses are dropped, which tolerates servers that log to
// stdout.
type Transport struct {
	spec Spec
	log  *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[int64]chan *response

	nextID    atomic.Int64
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport creates an unstarted transport for the given launch
// spec.
func NewTransport(spec Spec, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		spec:    spec,
		log:     log.With("component", "mcp-transport", "command", spec.Command),
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
}

// Start spawns the child with stdio piped and begins the read loop.
// The declared environment is merged over the parent environment.
func (t *Transport) Start(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}

	cmd := exec.CommandContext(ctx, t.spec.Command, t.spec.Args...)
	cmd.Dir = t.spec.Cwd
	cmd.Env = os.Environ()
	for k, v := range t.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.spec.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected.Store(true)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	return nil
}

// Call sends one request and blocks until its response, the timeout,
// context cancellation, or transport shutdown. On timeout the waiter
// is removed so a late response cannot leak.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	ch := make(chan *response, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.writeJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.removeWaiter(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		t.removeWaiter(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.removeWaiter(id)
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// Notify sends a fire-and-forget notification.
func (t *Transport) Notify(method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	return t.writeJSON(notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Close ends the connection: stdin closed, SIGTERM, a grace window,
// then SIGKILL. All pending waiters are rejected.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)

		if t.stdin != nil {
			t.stdin.Close()
		}

		if t.cmd != nil && t.cmd.Process != nil {
			t.cmd.Process.Signal(syscall.SIGTERM)

			exited := make(chan struct{})
			go func() {
				t.cmd.Wait()
				close(exited)
			}()
			select {
			case <-exited:
			case <-time.After(killGrace):
				t.cmd.Process.Kill()
				<-exited
			}
		}

		t.rejectAll()
		t.wg.Wait()
	})
}

// Connected reports whether the child is up.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

func (t *Transport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(stdout io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), readBufferSize)

	for scanner.Scan() {
		t.processLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		t.log.Debug("read loop ended", "error", err)
	}
	t.rejectAll()
}

// processLine parses one stdout line. Responses with a known id
// resolve their waiter; everything else (notifications, log noise,
// junk) is dropped.
func (t *Transport) processLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[*resp.ID]
	if ok {
		delete(t.pending, *resp.ID)
	}
	t.pendingMu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (t *Transport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), readBufferSize)
	for scanner.Scan() {
		t.log.Debug("server stderr", "line", scanner.Text())
	}
}

func (t *Transport) removeWaiter(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *Transport) rejectAll() {
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.pendingMu.Unlock()
}
