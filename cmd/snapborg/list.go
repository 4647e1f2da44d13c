package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/models"
	"github.com/enzingerm/snapborg/internal/services/borg"
	"github.com/enzingerm/snapborg/internal/services/snapper"
)

var listArchives bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all snapper snapshots including their creation date and whether they have already been backed up",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listArchives, "archives", false,
		"also list the borg archives of every repository")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapperSvc := snapper.New(log.Logger, dryRun)
	if err := snapperSvc.CheckVersion(ctx); err != nil {
		return err
	}

	fmt.Println("Listing snapper snapshots:")
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		scfg, err := snapperSvc.GetConfig(ctx, src.Name)
		if err != nil {
			return err
		}
		fmt.Printf("  Config %s for subvolume %s:\n", scfg.Name, scfg.SubvolumePath())
		snapshots, err := snapperSvc.ListSnapshots(ctx, scfg)
		if err != nil {
			return err
		}
		for _, snap := range snapshots {
			repos := strings.Join(snap.BackupRepos(), ", ")
			if repos == "" {
				repos = "-"
			}
			fmt.Printf("    Snapshot %d from %s (%s), backed up to: %s\n",
				snap.Number, snap.Date.Format("2006-01-02 15:04:05"), humanize.Time(snap.Date), repos)
		}

		if listArchives {
			if err := printArchives(ctx, src.Name, src.Repos); err != nil {
				return err
			}
		}
	}
	return nil
}

func printArchives(ctx context.Context, sourceName string, repos []models.RepoConfig) error {
	matcher := glob.MustCompile(sourceName + "-*")
	for _, repoCfg := range repos {
		fmt.Printf("  Archives in repository %q (%s):\n", repoCfg.Name, repoCfg.Path)
		archives, err := borg.New(log.Logger, repoCfg, dryRun).List(ctx)
		if err != nil {
			return err
		}
		for _, archive := range archives {
			if !matcher.Match(archive.Name) {
				continue
			}
			fmt.Printf("    %s (%s)\n", archive.Name, humanize.Time(archive.Time))
		}
	}
	return nil
}
