package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/config"
	"github.com/enzingerm/snapborg/internal/models"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	cfgFile       string
	dryRun        bool
	bindMount     bool
	snapperConfig string
	verbose       bool
	quiet         bool
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "snapborg",
	Short: "Synchronize snapper snapshots to borg repositories",
	Long: `snapborg archives snapper snapshots to one or more borg repositories.

It decides which snapshots are worth archiving via a generational
retention policy, tags transferred snapshots in snapper's userdata so
runs are idempotent, and tolerates failures per repository according to
the configured fault tolerance policy.

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "cfg", "/etc/snapborg.yaml", "snapborg config file location")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dryrun", false, "don't actually execute commands")
	rootCmd.PersistentFlags().BoolVar(&bindMount, "bind-mount", false,
		"bind mount snapshots so that archived file paths are consistent across snapshots (requires root)")
	rootCmd.PersistentFlags().StringVar(&snapperConfig, "snapper-config", "", "the name of a snapper config to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(cleanSnapperCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig loads the config file and narrows it to --snapper-config.
func loadConfig() (*models.Config, error) {
	parser := config.NewParser()
	cfg, err := parser.LoadFile(cfgFile)
	if err != nil {
		log.Error().Err(err).Str("file", cfgFile).Msg("failed to load config")
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}
	return config.SelectSource(cfg, snapperConfig)
}

// signalContext returns a context cancelled on the first SIGINT or
// SIGTERM. A second signal terminates the process immediately, possibly
// leaving a protected snapshot or stale mount for manual cleanup.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
		<-sigChan
		log.Error().Msg("received second signal, aborting")
		os.Exit(2)
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
