// Command riskctl runs the risk pipeline from the command line: batch files,
// the Kafka stream, sanctions screening and graph exports.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/athapong/aio-risk/pkg/app"
	"github.com/athapong/aio-risk/pkg/config"
	"github.com/athapong/aio-risk/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "Transaction risk analysis pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(processCmd(flags))
	rootCmd.AddCommand(publishCmd(flags))
	rootCmd.AddCommand(consumeCmd(flags))
	rootCmd.AddCommand(sanctionsCmd(flags))
	rootCmd.AddCommand(exportCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (f *globalFlags) load() (*config.Config, error) {
	_ = godotenv.Load(f.envFile)
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}

// open builds the application; callers must Close it.
func (f *globalFlags) open(ctx context.Context) (*app.App, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}
