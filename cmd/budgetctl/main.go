package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/cmd/budgetctl/commands"
	"github.com/amerfu/budgetd/internal/app"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/logger"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "budgetctl",
		Short: "budgetd administration CLI",
		Long: `Inspect and operate budget accounts directly against the configured store.
Manual refills and lifecycle changes take the same principal locks as the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			commands.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file or directory (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log service activity to stderr")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewStatusCommand(ctx))
	rootCmd.AddCommand(commands.NewRefillCommand(ctx))
	rootCmd.AddCommand(commands.NewAuditCommand(ctx))
	rootCmd.AddCommand(commands.NewVerifyCommand(ctx))
	rootCmd.AddCommand(commands.NewPolicyCommand(ctx))
	rootCmd.AddCommand(commands.NewSuspendCommand(ctx))
	rootCmd.AddCommand(commands.NewReinstateCommand(ctx))
	rootCmd.AddCommand(commands.NewArchiveCommand(ctx))
	rootCmd.AddCommand(commands.NewEventsCommand(ctx))
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initConfig() error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	commands.SetConfig(cfg)
	commands.SetOutputJSON(outputJSON)

	commands.SetLoader(func() (*app.App, error) {
		log := zap.NewNop()
		if verbose {
			cfg.Logging.Format = "console"
			cfg.Logging.OutputPath = "stderr"
			l, err := logger.Initialize(cfg.Logging, "budgetctl")
			if err != nil {
				return nil, err
			}
			log = l
		}
		return app.New(cfg, log)
	})
	return nil
}
