package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "selfalloc",
		Short: "Computing power self-allocation for cloud and edge GPU nodes",
		Long:  `selfalloc runs either the coordinator, which admits worker nodes, keeps their device
state and places AI, render and simulation tasks, or the node agent that reports to it.`,
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// SELFALLOC_* variables may come from a .env file; a missing file is fine
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/coordinator.yaml)")
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(agentCmd)
}

// setup loads the configuration and builds the logger for service.
func setup(service string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Env, service)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
