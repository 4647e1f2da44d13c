package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/enzingerm/snapborg/internal/config"
	"github.com/enzingerm/snapborg/internal/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without executing any backup operations.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Error().Str("file", cfgFile).Msg("config file not found")
		return models.Configf("config file not found: %s", cfgFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(cfgFile)
	if err != nil {
		log.Error().Err(err).Str("file", cfgFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	fmt.Println("Configuration is valid!")
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		fmt.Println()
		fmt.Printf("Config %q:\n", src.Name)
		fmt.Printf("  Exclude patterns: %v\n", src.ExcludePatterns)
		for _, repo := range src.Repos {
			fmt.Printf("  Repository %q:\n", repo.Name)
			fmt.Printf("    Path: %s\n", repo.Path)
			fmt.Printf("    Encryption: %s\n", repo.Encryption)
			fmt.Printf("    Compression: %s\n", repo.Compression)
			fmt.Printf("    Fail policy: %s\n", failPolicyString(repo.FailAfter))
			fmt.Println("    Retention:")
			fmt.Printf("      Keep last: %d\n", repo.Retention.KeepLast)
			fmt.Printf("      Keep minutely: %d\n", repo.Retention.KeepMinutely)
			fmt.Printf("      Keep hourly: %d\n", repo.Retention.KeepHourly)
			fmt.Printf("      Keep daily: %d\n", repo.Retention.KeepDaily)
			fmt.Printf("      Keep weekly: %d\n", repo.Retention.KeepWeekly)
			fmt.Printf("      Keep monthly: %d\n", repo.Retention.KeepMonthly)
			fmt.Printf("      Keep yearly: %d\n", repo.Retention.KeepYearly)
		}
	}
	return nil
}

func failPolicyString(fa models.FailAfter) string {
	switch fa.Policy {
	case models.FailPolicyOptional:
		return "optional"
	case models.FailPolicyDeadline:
		return fmt.Sprintf("optional, stale after %s", fa.MaxAge.Round(time.Hour))
	default:
		return "mandatory"
	}
}
