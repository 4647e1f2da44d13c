// Package snapper drives the snapper binary and maintains the snapborg
// userdata tags on snapshots.
package snapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/enzingerm/snapborg/internal/models"
)

// minVersion is the first snapper release with --jsonout.
var minVersion = semver.MustParse("0.8.6")

// Service defines the interface for snapper operations.
type Service interface {
	CheckVersion(ctx context.Context) error
	GetConfig(ctx context.Context, name string) (*models.SnapperConfig, error)
	ListSnapshots(ctx context.Context, cfg *models.SnapperConfig) ([]*models.Snapshot, error)
	SetBackupStatus(ctx context.Context, configName string, snap *models.Snapshot, repo string, present bool) error
	MigrateLegacyTag(ctx context.Context, configName string, snap *models.Snapshot, repo string) error
	PurgeUserdata(ctx context.Context, configName string, snap *models.Snapshot) error
	EnsureTransferID(ctx context.Context, configName string, snap *models.Snapshot) (string, error)
	PreventCleanup(ctx context.Context, configName string, snap *models.Snapshot) error
	RestoreCleanup(ctx context.Context, configName string, snap *models.Snapshot) error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	dryRun   bool

	versionOK bool
}

// New creates a new snapper service.
func New(logger zerolog.Logger, dryRun bool) *Impl {
	return &Impl{executor: &DefaultExecutor{}, logger: logger, dryRun: dryRun}
}

// NewWithExecutor creates a new snapper service with a custom executor
// (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor, dryRun bool) *Impl {
	return &Impl{executor: executor, logger: logger, dryRun: dryRun}
}

// CheckVersion fails with ErrSnapperTooOld when the installed snapper
// cannot produce machine-readable output.
func (s *Impl) CheckVersion(ctx context.Context) error {
	if s.versionOK {
		return nil
	}
	output, err := s.executor.Execute(ctx, "snapper", "--version")
	if err != nil {
		return &models.SnapperExecError{Args: []string{"--version"}, Output: string(output), Err: err}
	}
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "snapper") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		ver, err := semver.NewVersion(fields[1])
		if err != nil {
			return &models.SnapperExecError{
				Args:   []string{"--version"},
				Output: string(output),
				Err:    fmt.Errorf("parsing version %q: %w", fields[1], err),
			}
		}
		if ver.LessThan(minVersion) {
			return fmt.Errorf("%w (found %s)", models.ErrSnapperTooOld, ver)
		}
		s.versionOK = true
		s.logger.Debug().Str("version", ver.String()).Msg("snapper version ok")
		return nil
	}
	return &models.SnapperExecError{
		Args:   []string{"--version"},
		Output: string(output),
		Err:    fmt.Errorf("no version line in output"),
	}
}

// run invokes snapper with --jsonout for the given config and returns
// the raw output. Mutating calls are skipped in dry-run mode.
func (s *Impl) run(ctx context.Context, configName string, mutating bool, args ...string) ([]byte, error) {
	if err := s.CheckVersion(ctx); err != nil {
		return nil, err
	}
	full := []string{}
	if configName != "" {
		full = append(full, "-c", configName)
	}
	full = append(full, "--jsonout")
	full = append(full, args...)
	if mutating && s.dryRun {
		s.logger.Info().Strs("args", full).Msg("dry run, skipping snapper invocation")
		return nil, nil
	}
	output, err := s.executor.Execute(ctx, "snapper", full...)
	if err != nil {
		return nil, &models.SnapperExecError{Args: full, Output: string(output), Err: err}
	}
	return output, nil
}

// GetConfig fetches the settings of a snapper config.
func (s *Impl) GetConfig(ctx context.Context, name string) (*models.SnapperConfig, error) {
	output, err := s.run(ctx, name, false, "get-config")
	if err != nil {
		return nil, err
	}
	settings := map[string]string{}
	if err := json.Unmarshal(output, &settings); err != nil {
		return nil, &models.SnapperExecError{
			Args: []string{"get-config"}, Output: string(output),
			Err: fmt.Errorf("parsing config: %w", err),
		}
	}
	return &models.SnapperConfig{Name: name, Settings: settings}, nil
}

// snapshotJSON is one entry of snapper --jsonout list.
type snapshotJSON struct {
	Number   int               `json:"number"`
	Date     string            `json:"date"`
	Cleanup  string            `json:"cleanup"`
	Userdata map[string]string `json:"userdata"`
}

// snapper prints local timestamps without a zone designator.
var dateLayouts = []string{"2006-01-02 15:04:05", time.RFC3339}

func parseSnapperDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ListSnapshots returns the snapshots of a config, oldest first,
// excluding the live snapshot (number 0).
func (s *Impl) ListSnapshots(ctx context.Context, cfg *models.SnapperConfig) ([]*models.Snapshot, error) {
	output, err := s.run(ctx, cfg.Name, false, "list", "--disable-used-space")
	if err != nil {
		return nil, err
	}
	var listing map[string][]snapshotJSON
	if err := json.Unmarshal(output, &listing); err != nil {
		return nil, &models.SnapperExecError{
			Args: []string{"list"}, Output: string(output),
			Err: fmt.Errorf("parsing snapshot list: %w", err),
		}
	}
	var snapshots []*models.Snapshot
	for _, info := range listing[cfg.Name] {
		if info.Number == 0 {
			continue
		}
		date, err := parseSnapperDate(info.Date)
		if err != nil {
			return nil, &models.SnapperExecError{
				Args: []string{"list"}, Output: string(output),
				Err: fmt.Errorf("parsing snapshot %d date %q: %w", info.Number, info.Date, err),
			}
		}
		path := fmt.Sprintf("%s/.snapshots/%d/snapshot", cfg.SubvolumePath(), info.Number)
		snapshots = append(snapshots, models.NewSnapshot(info.Number, date, path, info.Cleanup, info.Userdata))
	}
	s.logger.Debug().Str("config", cfg.Name).Int("count", len(snapshots)).Msg("snapshots listed")
	return snapshots, nil
}

func (s *Impl) modifyUserdata(ctx context.Context, configName string, snap *models.Snapshot, pairs ...string) error {
	_, err := s.run(ctx, configName, true,
		"modify", "--userdata", strings.Join(pairs, ","), strconv.Itoa(snap.Number))
	return err
}

// SetBackupStatus updates the snapshot's backup status set and persists
// it to snapper immediately. The legacy boolean key is kept in sync.
func (s *Impl) SetBackupStatus(ctx context.Context, configName string, snap *models.Snapshot, repo string, present bool) error {
	snap.SetBackupStatus(repo, present)
	return s.persistBackupStatus(ctx, configName, snap)
}

// MigrateLegacyTag renames the legacy sentinel tag to the given
// repository in a single persisted update. It is only called when borg
// reported an already existing archive for a snapshot tagged solely
// with the legacy identity.
func (s *Impl) MigrateLegacyTag(ctx context.Context, configName string, snap *models.Snapshot, repo string) error {
	snap.SetBackupStatus(repo, true)
	snap.SetBackupStatus(models.LegacyRepoName, false)
	s.logger.Info().
		Str("config", configName).
		Int("number", snap.Number).
		Str("repo", repo).
		Msg("migrated legacy backup tag")
	return s.persistBackupStatus(ctx, configName, snap)
}

func (s *Impl) persistBackupStatus(ctx context.Context, configName string, snap *models.Snapshot) error {
	legacy := ""
	if snap.IsBackedUp(models.LegacyRepoName) {
		legacy = "true"
	}
	return s.modifyUserdata(ctx, configName, snap,
		models.UserdataKeyRepos+"="+snap.EncodeRepoSet(),
		models.UserdataKeyBackedUp+"="+legacy)
}

// PurgeUserdata removes all snapborg keys from the snapshot.
func (s *Impl) PurgeUserdata(ctx context.Context, configName string, snap *models.Snapshot) error {
	snap.ClearBackupStatus()
	delete(snap.Userdata, models.UserdataKeyID)
	return s.modifyUserdata(ctx, configName, snap,
		models.UserdataKeyRepos+"=",
		models.UserdataKeyBackedUp+"=",
		models.UserdataKeyID+"=")
}

// EnsureTransferID returns the snapshot's transfer identifier,
// generating and persisting one if absent.
func (s *Impl) EnsureTransferID(ctx context.Context, configName string, snap *models.Snapshot) (string, error) {
	if id := snap.TransferID(); id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := s.modifyUserdata(ctx, configName, snap, models.UserdataKeyID+"="+id); err != nil {
		return "", err
	}
	snap.Userdata[models.UserdataKeyID] = id
	return id, nil
}

// PreventCleanup clears the snapshot's cleanup algorithm so snapper's
// timeline cleanup cannot delete it mid-transfer.
func (s *Impl) PreventCleanup(ctx context.Context, configName string, snap *models.Snapshot) error {
	_, err := s.run(ctx, configName, true,
		"modify", "--cleanup-algorithm", "", strconv.Itoa(snap.Number))
	return err
}

// RestoreCleanup restores the cleanup algorithm recorded when the
// snapshot was listed.
func (s *Impl) RestoreCleanup(ctx context.Context, configName string, snap *models.Snapshot) error {
	_, err := s.run(ctx, configName, true,
		"modify", "--cleanup-algorithm", snap.Cleanup, strconv.Itoa(snap.Number))
	return err
}
