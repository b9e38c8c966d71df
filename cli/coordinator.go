package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/counter"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/manager"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/scheduler"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/telemetry"
)

const (
	shutdownTimeout = 5 * time.Second
	busBacklog      = 100
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator: node socket, observer API and task API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("coordinator")
		if err != nil {
			return err
		}
		defer log.Sync()
		undo := zap.RedirectStdLog(log)
		defer undo()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runCoordinator(ctx, cfg, log)
	},
}

// runCoordinator serves until ctx is done, then shuts the listeners down and drops every node.
func runCoordinator(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer()
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	bus := notify.NewBus(busBacklog, log.Named("notify"))
	defer bus.Close()
	counters := counter.New()
	m := manager.New(cfg, bus, log.Named("manager"))
	sched := scheduler.New(cfg, m, counters, bus, log.Named("scheduler"))

	apis := []*manager.Api{
		manager.NewSocketApi(cfg.Server.Host, cfg.Server.SocketPort, m, log),
		manager.NewObserverApi(cfg.Server.Host, cfg.Server.APIPort, m, counters, bus, log),
		manager.NewUserApi(cfg.Server.Host, cfg.Server.UserPort, sched, cfg.Server.APIKeys, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range apis {
		g.Go(a.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down coordinator")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, a := range apis {
			if err := a.Shutdown(sctx); err != nil {
				log.Warn("server shutdown", zap.Error(err))
			}
		}
		m.Shutdown()
		return nil
	})

	log.Info("coordinator started",
		zap.String("env", cfg.Env),
		zap.Int("socket_port", cfg.Server.SocketPort),
		zap.Int("api_port", cfg.Server.APIPort),
		zap.Int("user_port", cfg.Server.UserPort),
		zap.String("distance", cfg.Render.Distance))
	return g.Wait()
}
