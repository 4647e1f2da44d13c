package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/services/runner"
)

var cleanSnapperCmd = &cobra.Command{
	Use:   "clean-snapper",
	Short: "Clean snapper snapshots from all snapborg specific user data",
	RunE:  runCleanSnapper,
}

func runCleanSnapper(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, dryRun)
	if err := runnerSvc.CleanSnapper(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("clean-snapper failed")
		return err
	}

	log.Info().Msg("snapper userdata cleaned")
	return nil
}
