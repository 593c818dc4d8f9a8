package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/Constellation/internal/config"
	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
	"github.com/AaronLay10/Constellation/internal/planner"
)

const metricsNamespace = "constellation"

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "constellation",
		Short:         "Run task constellations across a pool of devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnv(opts.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "constellation.yaml", "path to constellation.yaml")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before anything else")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file. A missing file at the default path falls
// back to defaults; an explicitly named file must exist.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if _, err := os.Stat(o.configPath); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		log.GetLogger().Debugf("No %s found, using defaults", o.configPath)
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

// hubOptions are the loop options shared by run and serve.
func hubOptions(cfg *config.Config, extra ...orchestrator.Option) []orchestrator.Option {
	opts := append([]orchestrator.Option{}, extra...)
	if url := cfg.Orchestrator.PlannerURL; url != "" {
		log.WithComponent("cli").WithField("planner", url).Info("graph evolution enabled")
		opts = append(opts, orchestrator.WithEvolution(
			orchestrator.NewGraphEvolution(planner.NewHTTPProposer(url), cfg.Orchestrator.ProposeTimeout),
		))
	}
	return opts
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
