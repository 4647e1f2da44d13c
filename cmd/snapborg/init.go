package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/services/runner"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the configured borg repositories",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, dryRun)
	if err := runnerSvc.Init(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("init failed")
		return err
	}

	log.Info().Msg("repositories initialized")
	return nil
}
