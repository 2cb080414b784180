// Command orchestrator runs (or operates) the multi-agent control
// plane. It follows FluxForge's control_plane/main.go wiring shape —
// build the durable store, the coordination backend, the domain
// singletons, then the HTTP surface — but fronted by a
// github.com/spf13/cobra CLI per §6 rather than a single static
// binary entrypoint, since the spec calls for operator subcommands
// (start/stop/status/agent/cost/replay) with distinct exit codes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/agentruntime"
	"github.com/orchestra-run/orchestrator/internal/api"
	"github.com/orchestra-run/orchestrator/internal/audit"
	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/config"
	"github.com/orchestra-run/orchestrator/internal/coordination"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/dispatcher"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/ideation"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/review"
	"github.com/orchestra-run/orchestrator/internal/store"
	"github.com/orchestra-run/orchestrator/internal/supervisor"
	"github.com/orchestra-run/orchestrator/internal/vcs"
)

const (
	exitOK           = 0
	exitGenericError = 1
	exitMisuse       = 2
	exitBudgetDenied = 3
)

const defaultWorkspaceID = "default"

type components struct {
	cfg        config.Config
	logger     *zap.SugaredLogger
	st         store.Store
	coord      store.Coordinator
	bus        *eventbus.Bus
	auditLog   *audit.Log
	governor   *cost.Governor
	disp       *dispatcher.Dispatcher
	reviewEng  *review.Engine
	ideaLoop   *ideation.Loop
	super      *supervisor.Supervisor
	elector    *coordination.LeaderElector
	janitor    *coordination.LockJanitor
	httpServer *api.Server
}

func buildComponents(ctx context.Context) (*components, error) {
	cfg := config.Load()
	logger := logging.New(os.Getenv("ORCH_ENV") != "production")
	clk := clock.Real{}

	var st store.Store
	var coord store.Coordinator
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, "", 0)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st, coord = rs, rs
	} else {
		ms := store.NewMemoryStore()
		st, coord = ms, ms
	}

	bus := eventbus.New(st, clk, logger, defaultWorkspaceID, cfg.EventRetention, time.Hour)
	auditLog := audit.New(st, clk, logger, defaultWorkspaceID, 100)

	var super *supervisor.Supervisor
	governor, err := cost.New(ctx, st, bus, clk, logger, defaultWorkspaceID, cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD, 0, func(ctx context.Context, reason string) {
		logger.Warnw("cost governor triggered pause-all", "reason", reason)
		agents, err := st.ListAgents(ctx, defaultWorkspaceID)
		if err != nil || super == nil {
			return
		}
		for _, a := range agents {
			_ = super.Pause(ctx, a.ID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("init cost governor: %w", err)
	}

	var host vcs.Host
	if cfg.GitHubToken != "" {
		host = vcs.NewGitHubHost(cfg.GitHubToken, os.Getenv("ORCH_GITHUB_OWNER"), os.Getenv("ORCH_GITHUB_REPO"))
	}

	disp := dispatcher.New(st, bus, governor, clk, logger, defaultWorkspaceID, 10*time.Minute, nil)
	reviewEng := review.New(st, bus, clk, logger, defaultWorkspaceID, cfg.ReviewMaxIter, 10*time.Minute)

	var ideaLoop *ideation.Loop
	if host != nil {
		ideaLoop = ideation.New(st, bus, governor, host, clk, logger, defaultWorkspaceID)
		ideaLoop.StartCooldownSweep()
	}

	var runtime agentruntime.Runtime
	if cfg.AnthropicAPIKey != "" {
		runtime = agentruntime.NewAnthropicRuntime(cfg.AnthropicAPIKey)
	}
	super = supervisor.New(st, bus, governor, disp, reviewEng, ideaLoop, runtime, clk, logger, defaultWorkspaceID, 30*time.Second)

	if ideaLoop != nil && runtime != nil {
		disp.SetWakeIdeation(func(wakeCtx context.Context) {
			if gen, ok := runtime.(ideation.ProposalGenerator); ok {
				_, _ = ideaLoop.Attempt(wakeCtx, "ideation-wake", gen, disp.Enqueue)
			}
		})
	}

	nodeID, _ := os.Hostname()
	elector := coordination.NewLeaderElector(coord, st, nodeID, 15*time.Second, logger)
	janitor := coordination.NewLockJanitor(coord, time.Minute, logger)

	httpServer := api.New(st, bus, governor, super, reviewEng, ideaLoop, defaultWorkspaceID, cfg.MaxAgents, cfg.APIKey, logger)

	return &components{
		cfg: cfg, logger: logger, st: st, coord: coord, bus: bus, auditLog: auditLog,
		governor: governor, disp: disp, reviewEng: reviewEng, ideaLoop: ideaLoop,
		super: super, elector: elector, janitor: janitor, httpServer: httpServer,
	}, nil
}

// runSingletons starts the singleton background tasks named in §5
// only once this process is elected leader, and stops them the
// instant leadership is lost: leaderCtx is cancelled on loss and
// carries the leader's epoch (coordination.GetEpochFromContext), but
// the sweeps below do not check that epoch on their writes.
func (c *components) runSingletons(leaderCtx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()
	for {
		select {
		case <-leaderCtx.Done():
			return
		case <-ticker.C:
			_ = c.disp.SweepExpiredLeases(leaderCtx)
			_ = c.reviewEng.ReclaimAbandonedReviews(leaderCtx)
		case <-heartbeatTicker.C:
			_ = c.super.ScanLiveness(leaderCtx, c.cfg.StaleThreshold*5)
		}
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{Use: "orchestrator"}
	root.AddCommand(newStartCmd(), newStatusCmd(), newStopCmd(), newAgentCmd(), newCostCmd(), newReplayCmd())
	return root
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the orchestrator control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c, err := buildComponents(ctx)
			if err != nil {
				return err
			}

			if err := os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				c.logger.Warnw("could not write pidfile, `orchestrator stop` will not find this process", "err", err)
			}
			defer os.Remove(pidFilePath())

			c.elector.SetCallbacks(c.runSingletons, func() {
				c.logger.Warnw("stepped down from control-plane leadership")
			})
			c.elector.Start(ctx)
			c.janitor.Start(ctx)
			defer c.elector.Stop()

			srv := &http.Server{Addr: c.cfg.HTTPAddr, Handler: c.httpServer.Handler(c.cfg.APIKey)}
			go func() {
				c.logger.Infow("listening", "addr", c.cfg.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					c.logger.Errorw("http server failed", "err", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if c.ideaLoop != nil {
				c.ideaLoop.StopCooldownSweep()
			}
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print basic liveness of the configured control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			status, _, err := cliRequest(cfg, http.MethodGet, "/agents", nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "status check failed:", err)
				os.Exit(exitGenericError)
			}
			if status != http.StatusOK {
				fmt.Fprintln(os.Stderr, "control plane unhealthy:", status)
				os.Exit(exitGenericError)
			}
			fmt.Println("control plane responded:", status)
			return nil
		},
	}
}

// newStopCmd sends SIGTERM to the process whose pid `start` recorded,
// the same graceful-shutdown path Ctrl-C or a supervisor's SIGTERM
// drives — there's no HTTP endpoint for remote process shutdown, so
// this is the one subcommand that acts on the local machine rather
// than calling the Control API.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "gracefully stop the locally running orchestrator process",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(pidFilePath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "no running orchestrator found:", err)
				os.Exit(exitGenericError)
			}
			pid, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
			if err != nil {
				fmt.Fprintln(os.Stderr, "corrupt pidfile:", err)
				os.Exit(exitGenericError)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				fmt.Fprintln(os.Stderr, "process not found:", err)
				os.Exit(exitGenericError)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				fmt.Fprintln(os.Stderr, "failed to signal process:", err)
				os.Exit(exitGenericError)
			}
			fmt.Println("sent SIGTERM to pid", pid)
			return nil
		},
	}
}

func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{Use: "agent"}
	agentCmd.AddCommand(&cobra.Command{
		Use:  "add [agentId]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			status, body, err := cliRequest(cfg, http.MethodPost, "/agents", map[string]string{"agentId": args[0]})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGenericError)
			}
			if status != http.StatusCreated {
				fmt.Fprintln(os.Stderr, "agent add failed:", status, string(body))
				os.Exit(exitGenericError)
			}
			fmt.Println("agent added:", args[0])
			return nil
		},
	})
	agentCmd.AddCommand(&cobra.Command{
		Use:  "stop [agentId]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			status, body, err := cliRequest(cfg, http.MethodPost, "/agents/"+args[0]+"/stop", nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGenericError)
			}
			if status != http.StatusOK {
				fmt.Fprintln(os.Stderr, "agent stop failed:", status, string(body))
				os.Exit(exitGenericError)
			}
			fmt.Println("agent stopped:", args[0])
			return nil
		},
	})
	return agentCmd
}

func newCostCmd() *cobra.Command {
	return &cobra.Command{
		Use: "cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			status, body, err := cliRequest(cfg, http.MethodGet, "/cost", nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGenericError)
			}
			if status == http.StatusForbidden {
				fmt.Fprintln(os.Stderr, "budget denied:", string(body))
				os.Exit(exitBudgetDenied)
			}
			if status != http.StatusOK {
				fmt.Fprintln(os.Stderr, "cost snapshot failed:", status, string(body))
				os.Exit(exitGenericError)
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func newReplayCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use: "replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			status, body, err := cliRequest(cfg, http.MethodGet, "/events/replay?since="+strconv.FormatInt(since, 10), nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGenericError)
			}
			if status == http.StatusGone {
				fmt.Fprintln(os.Stderr, "gap too large, resync from durable store")
				os.Exit(exitGenericError)
			}
			if status != http.StatusOK {
				fmt.Fprintln(os.Stderr, "replay failed:", status, string(body))
				os.Exit(exitGenericError)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "replay events after this sequence number")
	return cmd
}

func stripScheme(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// pidFilePath is where `start` records its pid so `stop` can find it;
// namespaced by HTTP address so multiple local instances don't clobber
// each other's pidfile.
func pidFilePath() string {
	cfg := config.Load()
	h := fnv.New32a()
	h.Write([]byte(cfg.HTTPAddr))
	return os.TempDir() + "/orchestrator-" + strconv.FormatUint(uint64(h.Sum32()), 10) + ".pid"
}

// cliRequest performs one authenticated HTTP call against the
// Control API, attaching the same bearer key the server enforces, and
// returns the response status and body for the caller to map onto the
// §6 exit codes.
func cliRequest(cfg config.Config, method, path string, jsonBody any) (int, []byte, error) {
	var reqBody io.Reader
	if jsonBody != nil {
		b, err := json.Marshal(jsonBody)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://"+stripScheme(cfg.HTTPAddr)+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitMisuse)
	}
	os.Exit(exitOK)
}
