package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/config"
	"github.com/chenxiaofie/memory-mcp/internal/models"
)

type fakeSessions struct {
	mu     sync.Mutex
	active *models.Episode
	signal *models.CloseSignal
	pid    int
}

func (f *fakeSessions) GetActiveEpisode() (*models.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeSessions) ConsumeCloseSignal() (*models.CloseSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := f.signal
	f.signal = nil
	return sig, nil
}

func (f *fakeSessions) SetMonitorPID(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid = pid
	return nil
}

func (f *fakeSessions) setSignal(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signal = &models.CloseSignal{Reason: reason}
}

type fakeCloser struct {
	mu     sync.Mutex
	calls  []string
	reason string
	err    error
}

func (f *fakeCloser) CloseEpisode(ctx context.Context, episodeID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, episodeID)
	f.reason = reason
	return f.err
}

func (f *fakeCloser) closed() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls), f.reason
}

type fakeWarmer struct {
	started bool
	err     error
}

func (f *fakeWarmer) Start() { f.started = true }

func (f *fakeWarmer) WaitReady(time.Duration) error { return f.err }

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  10 * time.Millisecond,
		EncoderWait:  50 * time.Millisecond,
	}
}

func newTestMonitor(sessions *fakeSessions, closer *fakeCloser, warmer *fakeWarmer) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(sessions, closer, warmer, testConfig(), "ep_1", 12345, logger)
	m.alive = func(int) bool { return true }
	return m
}

func TestClosesOnSignal(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}, pid: 99}
	closer := &fakeCloser{}
	warmer := &fakeWarmer{}
	m := newTestMonitor(sessions, closer, warmer)

	sessions.setSignal("user logged out")

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !warmer.started {
		t.Error("encoder warm-up never started")
	}
	n, reason := closer.closed()
	if n != 1 || reason != "user logged out" {
		t.Errorf("close calls = %d, reason = %q", n, reason)
	}
	if sessions.pid != 0 {
		t.Errorf("monitor pid not cleared: %d", sessions.pid)
	}
}

func TestClosesOnParentDeath(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}}
	closer := &fakeCloser{}
	m := newTestMonitor(sessions, closer, &fakeWarmer{})
	m.alive = func(int) bool { return false }

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n, reason := closer.closed(); n != 1 || reason != "parent process exited" {
		t.Errorf("close calls = %d, reason = %q", n, reason)
	}
}

func TestSignalDuringGracePeriodWinsReason(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}}
	closer := &fakeCloser{}
	m := newTestMonitor(sessions, closer, &fakeWarmer{})
	m.alive = func(int) bool { return false }

	// The session-end hook races the grace period and lands mid-wait.
	go func() {
		time.Sleep(2 * time.Millisecond)
		sessions.setSignal("clean shutdown")
	}()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, reason := closer.closed(); reason != "clean shutdown" && reason != "parent process exited" {
		t.Errorf("reason = %q", reason)
	}
}

func TestExitsWhenEpisodeClosedElsewhere(t *testing.T) {
	sessions := &fakeSessions{active: nil}
	closer := &fakeCloser{}
	m := newTestMonitor(sessions, closer, &fakeWarmer{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n, _ := closer.closed(); n != 0 {
		t.Errorf("closer called %d times, want 0", n)
	}
}

func TestAlreadyClosedIsSuccess(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}}
	closer := &fakeCloser{err: models.ErrAlreadyClosed}
	m := newTestMonitor(sessions, closer, &fakeWarmer{})
	sessions.setSignal("bye")

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run after ErrAlreadyClosed = %v, want nil", err)
	}
}

func TestEncoderNeverReadyLeavesEpisodeActive(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}}
	closer := &fakeCloser{}
	warmer := &fakeWarmer{err: models.ErrEncoderUnavailable}
	m := newTestMonitor(sessions, closer, warmer)
	sessions.setSignal("bye")

	err := m.Run(context.Background())
	if !errors.Is(err, models.ErrEncoderUnavailable) {
		t.Fatalf("Run error = %v, want ErrEncoderUnavailable", err)
	}
	if n, _ := closer.closed(); n != 0 {
		t.Errorf("close attempted %d times with no encoder, want 0", n)
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	sessions := &fakeSessions{active: &models.Episode{ID: "ep_1"}}
	m := newTestMonitor(sessions, &fakeCloser{}, &fakeWarmer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
