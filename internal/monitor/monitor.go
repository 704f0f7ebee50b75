// Package monitor implements the detached process that guarantees an
// active episode eventually closes: on an explicit close signal, or when
// the session's parent process dies without leaving one.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/config"
	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/procutil"
)

// Sessions is the slice of session state the monitor watches.
type Sessions interface {
	GetActiveEpisode() (*models.Episode, error)
	ConsumeCloseSignal() (*models.CloseSignal, error)
	SetMonitorPID(pid int) error
}

// Closer closes episodes. ErrAlreadyClosed counts as success: someone
// else finishing the job is the desired outcome.
type Closer interface {
	CloseEpisode(ctx context.Context, episodeID, reason string) error
}

// Warmer is the encoder warm-up surface.
type Warmer interface {
	Start()
	WaitReady(timeout time.Duration) error
}

// Monitor watches one episode until it can be closed. One monitor per
// active episode; it exits when the episode is gone, however that
// happened.
type Monitor struct {
	sessions  Sessions
	closer    Closer
	warmer    Warmer
	cfg       config.MonitorConfig
	episodeID string
	parentPID int
	logger    *slog.Logger

	// alive is swapped out in tests.
	alive func(pid int) bool
}

// New builds a monitor for one episode, watching parentPID for session
// death.
func New(sessions Sessions, closer Closer, warmer Warmer, cfg config.MonitorConfig, episodeID string, parentPID int, logger *slog.Logger) *Monitor {
	return &Monitor{
		sessions:  sessions,
		closer:    closer,
		warmer:    warmer,
		cfg:       cfg,
		episodeID: episodeID,
		parentPID: parentPID,
		logger:    logger,
		alive:     procutil.Alive,
	}
}

// Run drives the monitor to completion: warm the encoder in the
// background, poll for a close signal or parent death, then close the
// episode. Returns nil when the episode ends up closed (by us or anyone
// else) and an error only when it had to be left active.
func (m *Monitor) Run(ctx context.Context) error {
	// Start paying the model load cost immediately; the session may end
	// any moment.
	m.warmer.Start()

	defer func() {
		if err := m.sessions.SetMonitorPID(0); err != nil {
			m.logger.Warn("monitor pid not cleared", "error", err)
		}
	}()

	m.logger.Info("watching session", "episode", m.episodeID, "parent_pid", m.parentPID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sig, err := m.sessions.ConsumeCloseSignal()
		if err != nil {
			m.logger.Warn("close signal unreadable", "error", err)
		}
		if sig != nil {
			return m.close(ctx, reasonOr(sig, "close signal"))
		}

		active, err := m.sessions.GetActiveEpisode()
		if err != nil {
			m.logger.Warn("session state unreadable", "error", err)
			continue
		}
		if active == nil || active.ID != m.episodeID {
			m.logger.Info("episode closed elsewhere, exiting", "episode", m.episodeID)
			return nil
		}

		if !m.alive(m.parentPID) {
			return m.parentDied(ctx)
		}
	}
}

// parentDied handles the no-signal shutdown path: wait out the grace
// period in case a session-end hook is still flushing its signal, prefer
// that signal's reason if it lands, then close regardless.
func (m *Monitor) parentDied(ctx context.Context) error {
	m.logger.Info("parent gone, grace period before close", "parent_pid", m.parentPID, "grace", m.cfg.GracePeriod)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.GracePeriod):
	}

	reason := "parent process exited"
	if sig, err := m.sessions.ConsumeCloseSignal(); err == nil && sig != nil {
		reason = reasonOr(sig, reason)
	}
	return m.close(ctx, reason)
}

// close waits for the encoder within the configured bound and closes the
// episode once. A close that cannot embed leaves the episode active for
// the next session start to recover.
func (m *Monitor) close(ctx context.Context, reason string) error {
	if err := m.warmer.WaitReady(m.cfg.EncoderWait); err != nil {
		m.logger.Error("encoder never became ready, leaving episode active",
			"episode", m.episodeID, "error", err)
		return err
	}

	err := m.closer.CloseEpisode(ctx, m.episodeID, reason)
	switch {
	case err == nil:
		m.logger.Info("episode closed", "episode", m.episodeID, "reason", reason)
		return nil
	case errors.Is(err, models.ErrAlreadyClosed):
		m.logger.Info("episode already closed", "episode", m.episodeID)
		return nil
	default:
		m.logger.Error("close failed, leaving episode active", "episode", m.episodeID, "error", err)
		return err
	}
}

func reasonOr(sig *models.CloseSignal, fallback string) string {
	if sig.Reason != "" {
		return sig.Reason
	}
	return fallback
}
