package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/audit"
	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/otel"
	"github.com/zczc/nano-agent-team/internal/supervisor"
)

func newWatchdogCmd() *cobra.Command {
	var interval time.Duration
	var metricsAddr string
	var spawns []string
	var goal, runner string

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run the swarm watchdog (singleton per blackboard)",
		Long: "Sweeps the registry for dead workers, returns their tasks to the pool,\n" +
			"respawns them, and optionally launches an initial set of workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bb := config.MustBlackboardFrom(ctx)
			if err := config.EnsureLayout(bb); err != nil {
				return err
			}

			lock, err := supervisor.AcquireSingleton(bb)
			if err != nil {
				return err
			}
			defer lock.Release()

			_, eng, reg, _, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			log := slog.Default()

			auditLog, err := audit.Open(config.AuditDBPath(bb))
			if err != nil {
				log.Warn("audit log unavailable, continuing without it", "err", err)
				auditLog = nil
			}
			defer func() { _ = auditLog.Close() }()

			if metricsAddr != "" {
				handler, err := otel.InitMeterProvider(ctx, "swarm-watchdog")
				if err != nil {
					log.Warn("metrics init failed", "err", err)
				} else if err := otel.InitMetrics(ctx); err != nil {
					log.Warn("metrics instruments init failed", "err", err)
				} else {
					mux := http.NewServeMux()
					mux.Handle("/metrics", handler)
					go func() {
						if err := http.ListenAndServe(metricsAddr, mux); err != nil {
							log.Error("metrics server stopped", "err", err)
						}
					}()
					log.Info("serving metrics", "addr", metricsAddr)
				}
			}

			sup := supervisor.New(bb, reg, eng, log)
			sup.Audit = auditLog

			for _, s := range spawns {
				name, role, ok := strings.Cut(s, ":")
				if !ok {
					return fmt.Errorf("--spawn wants name:role, got %q", s)
				}
				spec := supervisor.SpawnSpec{Name: name, Role: role, Goal: goal, Runner: runner}
				if _, err := sup.Spawn(ctx, spec); err != nil {
					return fmt.Errorf("spawn %s: %w", name, err)
				}
			}

			log.Info("watchdog running", "blackboard", bb, "interval", interval)
			err = sup.Run(ctx, interval)
			if err != nil && ctx.Err() != nil {
				return nil // clean shutdown on signal
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Sweep interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringArrayVar(&spawns, "spawn", nil, "Worker to launch at startup as name:role (repeatable)")
	cmd.Flags().StringVar(&goal, "goal", "", "Goal handed to spawned workers")
	cmd.Flags().StringVar(&runner, "runner", "", "Runner command handed to spawned workers")
	return cmd
}
