package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/models"
	"github.com/enzingerm/snapborg/internal/results"
	"github.com/enzingerm/snapborg/internal/services/runner"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune the borg archives using the retention settings from the snapborg config file",
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, dryRun)
	res, err := runnerSvc.Prune(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("prune failed")
		return err
	}

	fmt.Print(res.Render())

	if res.Status() == results.StatusErr {
		return models.ErrRunFailed
	}
	return nil
}
