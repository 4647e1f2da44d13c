// Package borg invokes the borg binary against one configured
// repository.
package borg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/enzingerm/snapborg/internal/models"
)

// Service defines the interface for borg operations on one repository.
type Service interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, req models.CreateRequest) error
	Delete(ctx context.Context, archiveName string) error
	Prune(ctx context.Context, archiveGlob string, override *models.RetentionPolicy) error
	List(ctx context.Context) ([]models.Archive, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface for a single repository.
type Impl struct {
	cfg      models.RepoConfig
	executor CommandExecutor
	logger   zerolog.Logger
	dryRun   bool
}

// New creates a new borg service for the given repository.
func New(logger zerolog.Logger, cfg models.RepoConfig, dryRun bool) *Impl {
	return &Impl{
		cfg:      cfg,
		executor: &DefaultExecutor{},
		logger:   logger.With().Str("repo", cfg.Name).Logger(),
		dryRun:   dryRun,
	}
}

// NewWithExecutor creates a new borg service with a custom executor
// (for testing).
func NewWithExecutor(logger zerolog.Logger, cfg models.RepoConfig, executor CommandExecutor, dryRun bool) *Impl {
	svc := New(logger, cfg, dryRun)
	svc.executor = executor
	return svc
}

func (s *Impl) buildEnv() []string {
	env := []string{"BORG_EXIT_CODES=modern"}
	if s.cfg.Passphrase != "" {
		// passphrase goes through the environment, never argv
		env = append(env, "BORG_PASSPHRASE="+s.cfg.Passphrase)
	}
	return env
}

// run executes borg and classifies the exit status: 0 succeeds, the
// warning codes are logged and succeed, everything else becomes a
// BorgExitError.
func (s *Impl) run(ctx context.Context, args ...string) ([]byte, error) {
	s.logger.Debug().Strs("args", args).Msg("running borg")
	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(), "borg", args...)
	if err == nil {
		return output, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return output, fmt.Errorf("launching borg: %w", err)
	}
	code := exitErr.ExitCode()
	if models.IsBorgWarningCode(code) {
		s.logger.Warn().Int("code", code).Str("output", string(output)).Msg("borg reported warnings")
		return output, nil
	}
	return output, &models.BorgExitError{Code: code, Output: string(output)}
}

// Init initializes the repository.
func (s *Impl) Init(ctx context.Context) error {
	args := []string{"init", "--encryption", s.cfg.Encryption, "--make-parent-dirs", s.cfg.Path}
	if s.dryRun {
		// borg init has no --dry-run
		s.logger.Info().Strs("args", args).Msg("dry run, skipping borg init")
		return nil
	}
	s.logger.Info().Str("path", s.cfg.Path).Msg("initializing repository")
	_, err := s.run(ctx, args...)
	return err
}

// Create archives the given path under req.ArchiveName. The archive's
// recorded creation time is the snapshot's date, not wall-clock now.
func (s *Impl) Create(ctx context.Context, req models.CreateRequest) error {
	args := []string{
		"create",
		"--one-file-system",
		"--exclude-caches",
		"--checkpoint-interval", "600",
		"--compression", s.cfg.Compression,
	}
	if req.TransferID != "" {
		args = append(args, "--comment", models.UserdataKeyID+"="+req.TransferID)
	}
	if !req.Timestamp.IsZero() {
		args = append(args, "--timestamp", req.Timestamp.Format("2006-01-02T15:04:05"))
	}
	for _, pattern := range req.ExcludePatterns {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, createParamArgs(s.cfg.CreateParams)...)
	if s.dryRun {
		args = append(args, "--dry-run")
	} else {
		// --stats is rejected in combination with --dry-run
		args = append(args, "--stats")
	}
	args = append(args, s.cfg.Path+"::"+req.ArchiveName, req.SourcePath)

	start := time.Now()
	_, err := s.run(ctx, args...)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("archive", req.ArchiveName).
		Dur("duration", time.Since(start)).
		Msg("archive created")
	return nil
}

// createParamArgs maps the passthrough creation parameters to borg
// flags in deterministic order.
func createParamArgs(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var args []string
	for _, key := range keys {
		flag := "--" + key
		switch v := params[key].(type) {
		case bool:
			if v {
				args = append(args, flag)
			}
		case []any:
			for _, item := range v {
				args = append(args, flag, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				args = append(args, flag, item)
			}
		default:
			args = append(args, flag, fmt.Sprint(v))
		}
	}
	return args
}

// Delete removes an archive. Callers performing a forced recreate
// tolerate archive-not-found via models.IsArchiveNotFound.
func (s *Impl) Delete(ctx context.Context, archiveName string) error {
	args := []string{"delete"}
	if s.dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, s.cfg.Path+"::"+archiveName)
	_, err := s.run(ctx, args...)
	return err
}

// Prune applies the repository's retention policy, scoped by an archive
// name glob so that sources sharing a physical repository never prune
// each other's archives.
func (s *Impl) Prune(ctx context.Context, archiveGlob string, override *models.RetentionPolicy) error {
	policy := s.cfg.Retention
	if override != nil {
		policy = *override
	}
	args := []string{"prune", "--glob-archives", archiveGlob}
	for _, flag := range []struct {
		name  string
		value int
	}{
		{"--keep-last", policy.KeepLast},
		{"--keep-minutely", policy.KeepMinutely},
		{"--keep-hourly", policy.KeepHourly},
		{"--keep-daily", policy.KeepDaily},
		{"--keep-weekly", policy.KeepWeekly},
		{"--keep-monthly", policy.KeepMonthly},
		{"--keep-yearly", policy.KeepYearly},
	} {
		if flag.value > 0 {
			args = append(args, flag.name, fmt.Sprintf("%d", flag.value))
		}
	}
	if s.dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, s.cfg.Path)

	s.logger.Info().Str("glob", archiveGlob).Msg("pruning repository")
	_, err := s.run(ctx, args...)
	return err
}

// archiveJSON is one entry of borg list --json.
type archiveJSON struct {
	Name    string `json:"name"`
	Time    string `json:"time"`
	Comment string `json:"comment"`
}

var archiveTimeLayouts = []string{"2006-01-02T15:04:05.000000", "2006-01-02T15:04:05"}

// List returns the archives in the repository.
func (s *Impl) List(ctx context.Context) ([]models.Archive, error) {
	output, err := s.run(ctx, "list", "--json", s.cfg.Path)
	if err != nil {
		return nil, err
	}
	var listing struct {
		Archives []archiveJSON `json:"archives"`
	}
	if err := json.Unmarshal(output, &listing); err != nil {
		return nil, fmt.Errorf("parsing borg list output: %w", err)
	}
	archives := make([]models.Archive, 0, len(listing.Archives))
	for _, entry := range listing.Archives {
		var when time.Time
		for _, layout := range archiveTimeLayouts {
			if t, perr := time.ParseInLocation(layout, entry.Time, time.Local); perr == nil {
				when = t
				break
			}
		}
		archives = append(archives, models.Archive{Name: entry.Name, Time: when, Comment: entry.Comment})
	}
	return archives, nil
}
