package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/worker"
)

var procDir string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent that reports device state to the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("agent")
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, cfg, worker.NewSampler(procDir, nil, log.Named("sampler")), log)
	},
}

func init() {
	agentCmd.Flags().StringVar(&procDir, "proc", "/proc", "procfs mount to sample device state from")
}

func runAgent(ctx context.Context, cfg *config.Config, sampler worker.Collector, log *zap.Logger) error {
	agent := worker.NewAgent(cfg.Agent, sampler, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(gctx) })
	if cfg.Agent.Port > 0 {
		api := worker.NewApi(cfg.Server.Host, cfg.Agent.Port, agent, sampler, log)
		g.Go(api.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return api.Shutdown(sctx)
		})
	}
	log.Info("agent started", zap.String("server", cfg.Agent.Server), zap.String("ip", cfg.Agent.IP))
	return g.Wait()
}
