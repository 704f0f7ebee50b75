// Package hooks implements the session lifecycle entry points invoked by
// the coding agent around each session. Hooks run in short-lived
// processes: they must return fast, never wait on the encoder, and leave
// everything durable on disk.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/memory"
	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/procutil"
)

// Input is the JSON payload the agent pipes to a hook on stdin. Unknown
// fields are ignored.
type Input struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	Reason    string `json:"reason"`
}

// ReadInput decodes the hook payload. An empty or absent payload is not
// an error; hooks fall back to the working directory.
func ReadInput(r io.Reader) Input {
	var in Input
	_ = json.NewDecoder(r).Decode(&in)
	return in
}

// spawnMonitor launches the detached session monitor and returns its pid.
// Swapped out in tests.
var spawnMonitor = func(projectPath, episodeID string, parentPID int) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, "monitor",
		"--project", projectPath,
		"--episode", episodeID,
		"--ppid", strconv.Itoa(parentPID))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	procutil.Detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start monitor: %w", err)
	}
	pid := cmd.Process.Pid
	// Detached: reap asynchronously so no zombie lingers if we outlive it.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// SessionStart opens (or re-joins) the episode for a new session, makes
// sure exactly one monitor is watching it, and returns recalled context
// for the agent to inject. The encoder is never waited on here; context
// comes from the catalogs.
func SessionStart(ctx context.Context, mgr *memory.Manager, projectPath string, in Input, logger *slog.Logger) (string, error) {
	project := filepath.Base(projectPath)
	title := fmt.Sprintf("%s dev session %s", project, time.Now().Format("01-02 15:04"))

	ep, err := mgr.StartEpisode(ctx, title, []string{"auto", "session", project})
	switch {
	case err == nil:
		logger.Info("episode started", "episode", ep.ID, "title", title)
	case errors.Is(err, models.ErrEpisodeAlreadyActive):
		// Session resumed (compaction, /clear, reconnect): keep the episode.
		if ep, err = mgr.Store().GetActiveEpisode(); err != nil || ep == nil {
			return "", fmt.Errorf("active episode vanished: %w", err)
		}
		logger.Info("joining active episode", "episode", ep.ID)
	default:
		return "", err
	}

	if err := ensureMonitor(mgr, projectPath, ep.ID, logger); err != nil {
		// The next session start gets another chance; the episode stays
		// recoverable either way.
		logger.Error("monitor not running", "error", err)
	}

	return buildContext(mgr, project), nil
}

// ensureMonitor spawns the monitor unless a live one is already recorded.
func ensureMonitor(mgr *memory.Manager, projectPath, episodeID string, logger *slog.Logger) error {
	sess, err := mgr.Store().LoadSession()
	if err != nil {
		return err
	}
	if procutil.Alive(sess.MonitorPID) {
		logger.Info("monitor already running", "pid", sess.MonitorPID)
		return nil
	}

	parent := procutil.StableAncestorPID(os.Getpid())
	pid, err := spawnMonitor(projectPath, episodeID, parent)
	if err != nil {
		return err
	}
	if err := mgr.Store().SetMonitorPID(pid); err != nil {
		return err
	}
	logger.Info("monitor spawned", "pid", pid, "watching_pid", parent)
	return nil
}

// buildContext assembles the memory brief injected at session start.
// Catalog-only on purpose: the encoder is cold this early.
func buildContext(mgr *memory.Manager, project string) string {
	res, err := mgr.RecallRecent(3)
	if err != nil || (len(res.Episodes) == 0 && len(res.Entities) == 0) {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memory for %s:\n", project)
	if len(res.Episodes) > 0 {
		b.WriteString("Recent sessions:\n")
		for _, ep := range res.Episodes {
			if ep.Content != "" {
				fmt.Fprintf(&b, "- %s\n", ep.Content)
			}
		}
	}
	if len(res.Entities) > 0 {
		b.WriteString("Known facts:\n")
		for _, e := range res.Entities {
			fmt.Fprintf(&b, "- [%s] %s\n", e.Type, e.Content)
		}
	}
	return b.String()
}

// SessionEnd records the close request and returns. It never closes the
// episode itself and never waits on the encoder; the monitor owns the
// actual close.
func SessionEnd(mgr *memory.Manager, in Input, logger *slog.Logger) error {
	active, err := mgr.Store().GetActiveEpisode()
	if err != nil {
		return err
	}
	if active == nil {
		logger.Info("no active episode at session end")
		return nil
	}

	reason := in.Reason
	if reason == "" {
		reason = "session ended"
	}
	if err := mgr.Store().WriteCloseSignal(reason); err != nil {
		return fmt.Errorf("write close signal: %w", err)
	}
	logger.Info("close signal written", "episode", active.ID, "reason", reason)
	return nil
}
