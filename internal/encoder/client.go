package encoder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/procutil"
)

// State describes the client's view of its worker process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// LaunchFunc starts a worker process and returns its stdin, its stdout and
// a kill function. Tests substitute an in-process worker here.
type LaunchFunc func() (stdin io.WriteCloser, stdout io.ReadCloser, kill func(), err error)

// CommandLauncher launches the running binary's own encoder-worker
// subcommand as a child process. The worker inherits our pid and exits on
// its own if we die.
func CommandLauncher(modelPath, tokenizerPath string) LaunchFunc {
	return func() (io.WriteCloser, io.ReadCloser, func(), error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve executable: %w", err)
		}
		args := []string{"encoder-worker", "--parent-pid", strconv.Itoa(os.Getpid())}
		if modelPath != "" {
			args = append(args, "--model", modelPath, "--tokenizer", tokenizerPath)
		}
		cmd := exec.Command(exe, args...)
		// Detached from the terminal: a Ctrl-C aimed at the invoking
		// command must not take the worker down mid-request. The parent
		// watchdog still reaps it once we exit.
		procutil.Detach(cmd)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("start worker: %w", err)
		}
		kill := func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return stdin, stdout, kill, nil
	}
}

type worker struct {
	stdin io.WriteCloser
	lines chan []byte // closed when stdout ends
	kill  func()
}

// Client talks to one encoder worker over line-delimited JSON. It is safe
// for concurrent use; requests are serialized on the single pipe. A failed
// worker is respawned lazily on the next call that needs it, so the
// process owning the client never has to restart to recover.
type Client struct {
	launch         LaunchFunc
	startTimeout   time.Duration
	requestTimeout time.Duration
	cache          *Cache
	logger         *slog.Logger

	mu        sync.Mutex
	state     State
	w         *worker
	ready     chan struct{} // closed when the current spawn attempt resolves
	startedAt time.Time

	// reqMu serializes round trips on the single pipe.
	reqMu sync.Mutex
}

// NewClient builds a client around launch. cache may be nil.
func NewClient(launch LaunchFunc, startTimeout, requestTimeout time.Duration, cache *Cache, logger *slog.Logger) *Client {
	return &Client{
		launch:         launch,
		startTimeout:   startTimeout,
		requestTimeout: requestTimeout,
		cache:          cache,
		logger:         logger,
		state:          StateNotStarted,
	}
}

// Status reports the current state without blocking.
func (c *Client) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins spawning the worker if it is not already running. It
// returns immediately; use WaitReady to block for readiness. Calling Start
// in state failed retries the spawn.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

func (c *Client) startLocked() {
	if c.state == StateStarting || c.state == StateReady {
		return
	}
	c.state = StateStarting
	c.startedAt = time.Now()
	c.ready = make(chan struct{})
	go c.spawn(c.ready)
}

// StartElapsed reports how long the current spawn attempt (or ready
// worker) has been alive, zero if never started.
func (c *Client) StartElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

func (c *Client) spawn(done chan struct{}) {
	stdin, stdout, kill, err := c.launch()
	if err != nil {
		c.logger.Warn("encoder worker launch failed", "error", err)
		c.fail(done, nil)
		return
	}

	w := &worker{stdin: stdin, lines: make(chan []byte, 1), kill: kill}
	go readLines(stdout, w.lines)

	// First line must be the ready handshake.
	select {
	case line, ok := <-w.lines:
		var resp response
		if !ok || json.Unmarshal(line, &resp) != nil || resp.Status != statusReady {
			c.logger.Warn("encoder worker did not hand shake", "line", string(line))
			kill()
			c.fail(done, nil)
			return
		}
	case <-time.After(c.startTimeout):
		c.logger.Warn("encoder worker startup timed out", "timeout", c.startTimeout)
		kill()
		c.fail(done, nil)
		return
	}

	c.mu.Lock()
	c.state = StateReady
	c.w = w
	c.mu.Unlock()
	close(done)
	c.logger.Info("encoder worker ready", "startup", c.StartElapsed())
}

func (c *Client) fail(done chan struct{}, w *worker) {
	c.mu.Lock()
	c.state = StateFailed
	if w != nil && c.w == w {
		c.w = nil
	}
	c.mu.Unlock()
	if w != nil {
		w.kill()
		// Unblock the reader goroutine if a late line is still in flight.
		go func() {
			for range w.lines {
			}
		}()
	}
	if done != nil {
		close(done)
	}
}

func readLines(r io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		out <- line
	}
}

// WaitReady starts the worker if needed and blocks until it is ready, the
// deadline passes, or the spawn fails.
func (c *Client) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			c.mu.Unlock()
			return nil
		case StateNotStarted, StateFailed:
			c.startLocked()
		}
		ready := c.ready
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.ErrEncoderTimeout
		}
		select {
		case <-ready:
			// Re-check: the attempt resolved to ready or failed.
			if c.Status() == StateFailed {
				return models.ErrEncoderUnavailable
			}
		case <-time.After(remaining):
			return models.ErrEncoderTimeout
		}
	}
}

// Encode embeds one text. It consults the vector cache first and only
// talks to a ready worker: in any other state it triggers a (re)spawn and
// returns ErrEncoderUnavailable so callers can degrade instead of
// blocking.
func (c *Client) Encode(text string) ([]float32, error) {
	if c.cache != nil {
		if vec, ok := c.cache.Get(text); ok {
			return vec, nil
		}
	}

	resp, err := c.roundTrip(request{Text: text})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("encode: %s", resp.Error)
	}
	if len(resp.Vector) != Dimensions {
		return nil, fmt.Errorf("encode: got %d dimensions, want %d", len(resp.Vector), Dimensions)
	}
	if c.cache != nil {
		c.cache.Put(text, resp.Vector)
	}
	return resp.Vector, nil
}

// EncodeBatch embeds several texts in one worker round trip. Cached texts
// are served locally; only the misses travel over the pipe.
func (c *Client) EncodeBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var miss []string
	for i, t := range texts {
		if c.cache != nil {
			if vec, ok := c.cache.Get(t); ok {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		miss = append(miss, t)
	}
	if len(miss) == 0 {
		return out, nil
	}

	resp, err := c.roundTrip(request{Texts: miss})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("encode batch: %s", resp.Error)
	}
	if len(resp.Vectors) != len(miss) {
		return nil, fmt.Errorf("encode batch: got %d vectors, want %d", len(resp.Vectors), len(miss))
	}
	for j, i := range missIdx {
		out[i] = resp.Vectors[j]
		if c.cache != nil {
			c.cache.Put(miss[j], resp.Vectors[j])
		}
	}
	return out, nil
}

func (c *Client) roundTrip(req request) (*response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	if c.state != StateReady {
		c.startLocked()
		c.mu.Unlock()
		return nil, models.ErrEncoderUnavailable
	}
	w := c.w
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		c.crashed(w, fmt.Errorf("write request: %w", err))
		return nil, models.ErrEncoderCrashed
	}

	select {
	case line, ok := <-w.lines:
		if !ok {
			c.crashed(w, errors.New("worker closed stdout"))
			return nil, models.ErrEncoderCrashed
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.crashed(w, fmt.Errorf("malformed response: %w", err))
			return nil, models.ErrEncoderCrashed
		}
		return &resp, nil
	case <-time.After(c.requestTimeout):
		c.crashed(w, errors.New("request timed out"))
		return nil, models.ErrEncoderTimeout
	}
}

// crashed tears down a worker the client can no longer trust. The next
// Encode finds state failed and respawns.
func (c *Client) crashed(w *worker, cause error) {
	c.logger.Warn("encoder worker lost", "error", cause)
	c.fail(nil, w)
}

// Close asks the worker to quit and reaps it, killing after a short grace
// period. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	w := c.w
	c.w = nil
	c.state = StateNotStarted
	c.mu.Unlock()
	if w == nil {
		return nil
	}

	payload, _ := json.Marshal(request{Cmd: cmdQuit})
	_, _ = w.stdin.Write(append(payload, '\n'))
	_ = w.stdin.Close()

	select {
	case <-drained(w.lines):
	case <-time.After(2 * time.Second):
	}
	w.kill()
	return nil
}

func drained(lines <-chan []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range lines {
		}
		close(done)
	}()
	return done
}
