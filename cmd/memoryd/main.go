// Command memoryd is the single binary behind the memory system: the
// agent hooks, the operator commands, and the two daemon roles (session
// monitor, encoder worker) all live here so every process resolves the
// same executable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chenxiaofie/memory-mcp/internal/config"
	"github.com/chenxiaofie/memory-mcp/internal/encoder"
	"github.com/chenxiaofie/memory-mcp/internal/hooks"
	"github.com/chenxiaofie/memory-mcp/internal/memory"
	"github.com/chenxiaofie/memory-mcp/internal/models"
	"github.com/chenxiaofie/memory-mcp/internal/monitor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var projectPath string

	root := &cobra.Command{
		Use:           "memoryd",
		Short:         "Persistent session memory for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&projectPath, "project", "", "project path (default: working directory)")

	root.AddCommand(
		newSessionStartCmd(&projectPath),
		newSessionEndCmd(&projectPath),
		newCacheMessageCmd(&projectPath),
		newMonitorCmd(&projectPath),
		newEncoderWorkerCmd(),
		newRecallCmd(&projectPath),
		newRememberCmd(&projectPath),
		newPendingCmd(&projectPath),
		newConfirmCmd(&projectPath),
		newRejectCmd(&projectPath),
		newDeprecateCmd(&projectPath),
		newEpisodesCmd(&projectPath),
		newPruneCmd(&projectPath),
		newStatusCmd(&projectPath),
	)
	return root
}

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	mgr    *memory.Manager
	client *encoder.Client
	logger *slog.Logger
}

// setup loads config and opens the manager. Daemon and hook processes log
// to a shared debug file; interactive commands log to stderr.
func setup(projectPath string, daemon bool) (*app, error) {
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		projectPath = wd
	}
	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg, daemon)
	if err != nil {
		return nil, err
	}

	cache, err := encoder.NewCache(4096)
	if err != nil {
		return nil, fmt.Errorf("init vector cache: %w", err)
	}
	client := encoder.NewClient(
		encoder.CommandLauncher(cfg.Encoder.ModelPath, cfg.Encoder.TokenizerPath),
		cfg.Encoder.StartTimeout, cfg.Encoder.RequestTimeout, cache, logger)

	mgr, err := memory.Open(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, mgr: mgr, client: client, logger: logger}, nil
}

func newLogger(cfg *config.Config, daemon bool) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if daemon {
		f, err := os.OpenFile(filepath.Join(cfg.UserDir, "hook_debug.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		w = f
	}
	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func newSessionStartCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session-start",
		Short: "Hook: open the session episode and ensure a monitor is watching",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := hooks.ReadInput(cmd.InOrStdin())
			path := firstNonEmpty(*projectPath, in.CWD)
			a, err := setup(path, true)
			if err != nil {
				return err
			}
			out, err := hooks.SessionStart(cmd.Context(), a.mgr, orWd(path), in, a.logger)
			if err != nil {
				return err
			}
			if out != "" {
				fmt.Fprint(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
}

func newSessionEndCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session-end",
		Short: "Hook: signal the monitor to close the episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := hooks.ReadInput(cmd.InOrStdin())
			a, err := setup(firstNonEmpty(*projectPath, in.CWD), true)
			if err != nil {
				return err
			}
			return hooks.SessionEnd(a.mgr, in, a.logger)
		},
	}
}

func newCacheMessageCmd(projectPath *string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "cache-message",
		Short: "Hook: append one message to the episode transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, true)
			if err != nil {
				return err
			}
			body, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			_, cands, err := a.mgr.CacheMessage(cmd.Context(), role, string(body))
			if err != nil {
				return err
			}
			for _, c := range cands {
				a.logger.Info("candidate queued", "id", c.ID, "type", c.Type, "confidence", c.Confidence)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", models.RoleUser, "message role (user|assistant)")
	return cmd
}

func newMonitorCmd(projectPath *string) *cobra.Command {
	var episodeID string
	var ppid int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Daemon: watch one episode and close it when the session ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, true)
			if err != nil {
				return err
			}
			if episodeID == "" {
				active, err := a.mgr.Store().GetActiveEpisode()
				if err != nil || active == nil {
					return fmt.Errorf("no active episode to monitor: %w", err)
				}
				episodeID = active.ID
			}
			if err := a.mgr.Store().SetMonitorPID(os.Getpid()); err != nil {
				a.logger.Warn("monitor pid not recorded", "error", err)
			}
			m := monitor.New(a.mgr.Store(), closerFunc(a.mgr.CloseEpisode), a.client,
				a.cfg.Monitor, episodeID, ppid, a.logger)
			err = m.Run(cmd.Context())
			_ = a.client.Close()
			return err
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode", "", "episode to watch (default: current active)")
	cmd.Flags().IntVar(&ppid, "ppid", 0, "session parent pid to watch for death")
	return cmd
}

type closerFunc func(ctx context.Context, episodeID, reason string) error

func (f closerFunc) CloseEpisode(ctx context.Context, episodeID, reason string) error {
	return f(ctx, episodeID, reason)
}

func newEncoderWorkerCmd() *cobra.Command {
	var parentPID int
	var modelPath, tokenizerPath string
	cmd := &cobra.Command{
		Use:    "encoder-worker",
		Short:  "Daemon: serve embeddings over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout carries the protocol, so logs go to stderr only.
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			return encoder.RunWorker(modelPath, tokenizerPath, parentPID, logger)
		},
	}
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "exit when this pid dies")
	cmd.Flags().StringVar(&modelPath, "model", "", "ONNX model path")
	cmd.Flags().StringVar(&tokenizerPath, "tokenizer", "", "tokenizer vocab path")
	return cmd
}

func newRecallCmd(projectPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Semantic retrieval across both memory scopes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			defer a.client.Close()

			query := strings.Join(args, " ")
			if err := a.client.WaitReady(a.cfg.Encoder.StartTimeout); err != nil {
				a.logger.Warn("encoder unavailable, recency fallback", "error", err)
				res, err := a.mgr.RecallRecent(limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			res, err := a.mgr.Recall(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "max hits per kind")
	return cmd
}

func newRememberCmd(projectPath *string) *cobra.Command {
	var typ, reason string
	cmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store a confirmed entity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			defer a.client.Close()
			// Best effort: if the worker comes up in time the entity gets
			// indexed now, otherwise it stays catalog-only.
			_ = a.client.WaitReady(a.cfg.Encoder.StartTimeout)
			e, err := a.mgr.AddEntity(cmd.Context(), models.EntityType(typ), strings.Join(args, " "), reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(models.EntityDecision), "entity type")
	cmd.Flags().StringVar(&reason, "reason", "", "why this is worth remembering")
	return cmd
}

func newPendingCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List detection candidates awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			cands, err := a.mgr.PendingCandidates()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cands)
		},
	}
}

func newConfirmCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <candidate-id>",
		Short: "Promote a pending candidate to an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			defer a.client.Close()
			_ = a.client.WaitReady(a.cfg.Encoder.StartTimeout)
			e, err := a.mgr.ConfirmCandidate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func newRejectCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <candidate-id>",
		Short: "Discard a pending candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			return a.mgr.RejectCandidate(args[0])
		},
	}
}

func newDeprecateCmd(projectPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deprecate <entity-id>",
		Short: "Mark an entity as no longer true",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			e, err := a.mgr.DeprecateEntity(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why it was deprecated")
	return cmd
}

func newEpisodesCmd(projectPath *string) *cobra.Command {
	var limit int
	var show string
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "List completed episodes, or show one with its transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			if show != "" {
				ep, msgs, err := a.mgr.EpisodeDetail(show)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"episode": ep, "messages": msgs})
			}
			eps, err := a.mgr.ListEpisodes(limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), eps)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max episodes")
	cmd.Flags().StringVar(&show, "show", "", "episode id to expand")
	return cmd
}

func newPruneCmd(projectPath *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Trim the message log and candidate queue to the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			msgs, cands, err := a.mgr.Prune(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d messages, %d candidates\n", msgs, cands)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default: configured)")
	return cmd
}

func newStatusCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Memory counters and encoder state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*projectPath, false)
			if err != nil {
				return err
			}
			stats, err := a.mgr.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orWd(path string) string {
	if path != "" {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
