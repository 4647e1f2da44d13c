package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/models"
	"github.com/enzingerm/snapborg/internal/results"
	"github.com/enzingerm/snapborg/internal/services/runner"
)

var (
	recreate bool
	noPrune  bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup all snapper snapshots which are not already backed up",
	Long: `Backup snapper snapshots to the configured borg repositories.

For every configured snapper config the retention policy selects the
snapshots worth archiving; those not yet transferred to a repository
are archived there and tagged in snapper's userdata. After a successful
run the repositories are pruned unless --no-prune is given.`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&recreate, "recreate", false,
		"delete possibly existing borg archives and recreate them from scratch")
	backupCmd.Flags().BoolVar(&noPrune, "no-prune", false,
		"ignore retention policy and don't prune old backups")
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, dryRun)
	res, err := runnerSvc.Backup(ctx, cfg, models.BackupOptions{
		Recreate:  recreate,
		NoPrune:   noPrune,
		BindMount: bindMount,
	})
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	fmt.Println("\nBackup results:")
	fmt.Print(res.Render())

	if res.Status() == results.StatusErr {
		return models.ErrRunFailed
	}
	return nil
}
