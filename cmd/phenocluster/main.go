package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tensorplex-labs/phenocluster/internal/config"
	"github.com/tensorplex-labs/phenocluster/internal/utils/logger"
)

type rootOptions struct {
	configPath string
	debug      bool
	trace      bool
	info       bool
	quiet      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "phenocluster",
		Short: "Cluster genetic screen phenotypes and benchmark the clusters",
		Long: "phenocluster normalizes a perturbation feature table to its controls, embeds it,\n" +
			"clusters it over a grid of resolutions and scores every clustering against gene\n" +
			"pair and gene group benchmarks and a permuted null.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(opts.loggerOptions(cmd.ErrOrStderr()))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "pipeline YAML file (PHENO_* environment variables override it)")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&opts.trace, "trace", false, "enable trace logging")
	pf.BoolVar(&opts.info, "info", false, "log at info level regardless of ENVIRONMENT")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")

	cmd.AddCommand(
		newSweepCommand(opts),
		newClusterCommand(opts),
		newSimulateCommand(),
	)
	return cmd
}

func (o *rootOptions) loggerOptions(out io.Writer) logger.Options {
	return logger.Options{Debug: o.debug, Trace: o.trace, Info: o.info, Quiet: o.quiet, Out: out}
}

func (o *rootOptions) loadConfig() (config.PipelineConfig, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return config.PipelineConfig{}, err
	}
	log.Debug().Str("config", o.configPath).Interface("pipeline", cfg).Msg("configuration loaded")
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("phenocluster failed")
		stop()
		os.Exit(1)
	}
}
