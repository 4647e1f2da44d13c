// Package runner orchestrates the backup workflow across snapshot
// sources and their repositories.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/enzingerm/snapborg/internal/models"
	"github.com/enzingerm/snapborg/internal/results"
	"github.com/enzingerm/snapborg/internal/services/borg"
	"github.com/enzingerm/snapborg/internal/services/mount"
	"github.com/enzingerm/snapborg/internal/services/retention"
	"github.com/enzingerm/snapborg/internal/services/snapper"
)

// mountBase is where snapshots are bind-mounted for path-stable
// archiving.
const mountBase = "/run/snapborg"

// Service defines the interface for the orchestrator.
type Service interface {
	Backup(ctx context.Context, cfg *models.Config, opts models.BackupOptions) (*results.Result, error)
	Prune(ctx context.Context, cfg *models.Config) (*results.Result, error)
	Init(ctx context.Context, cfg *models.Config) error
	CleanSnapper(ctx context.Context, cfg *models.Config) error
}

// RepoFactory builds a borg service for one repository config.
type RepoFactory func(cfg models.RepoConfig) borg.Service

// Impl implements the runner Service interface.
type Impl struct {
	snapperSvc snapper.Service
	mountSvc   mount.Service
	newRepo    RepoFactory
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a new runner service.
func New(logger zerolog.Logger, dryRun bool) *Impl {
	return &Impl{
		snapperSvc: snapper.New(logger, dryRun),
		mountSvc:   mount.New(logger, dryRun),
		newRepo: func(cfg models.RepoConfig) borg.Service {
			return borg.New(logger, cfg, dryRun)
		},
		logger: logger,
		now:    time.Now,
	}
}

// NewWithServices creates a new runner service with custom services
// (for testing).
func NewWithServices(
	logger zerolog.Logger,
	snapperSvc snapper.Service,
	mountSvc mount.Service,
	newRepo RepoFactory,
	now func() time.Time,
) *Impl {
	return &Impl{
		snapperSvc: snapperSvc,
		mountSvc:   mountSvc,
		newRepo:    newRepo,
		logger:     logger,
		now:        now,
	}
}

// Backup runs the complete backup workflow and returns the result tree.
// The returned error is non-nil only for fatal preconditions; per-source
// and per-candidate failures are reported through the tree.
func (s *Impl) Backup(ctx context.Context, cfg *models.Config, opts models.BackupOptions) (*results.Result, error) {
	if err := s.snapperSvc.CheckVersion(ctx); err != nil {
		return nil, err
	}

	root := results.FromChildren("Backup run")
	for i := range cfg.Sources {
		if ctx.Err() != nil {
			root.Add(results.Err("", "cancelled"))
			break
		}
		root.Add(s.backupSource(ctx, &cfg.Sources[i], opts))
	}

	if root.Status() != results.StatusErr && !opts.NoPrune {
		// prune failures never re-open a finished backup result
		root.Add(s.pruneAll(ctx, cfg, results.StatusWarn))
	}
	return root, nil
}

func (s *Impl) backupSource(ctx context.Context, src *models.SourceConfig, opts models.BackupOptions) *results.Result {
	res := results.FromChildren(fmt.Sprintf("snapper config %q", src.Name))
	s.logger.Info().Str("config", src.Name).Msg("backing up snapshots")

	scfg, err := s.snapperSvc.GetConfig(ctx, src.Name)
	if err != nil {
		res.Add(results.Errf("", "failed to get snapper config: %v", err))
		return res
	}
	snapshots, err := s.snapperSvc.ListSnapshots(ctx, scfg)
	if err != nil {
		res.Add(results.Errf("", "failed to list snapshots: %v", err))
		return res
	}
	if len(snapshots) == 0 {
		res.Add(results.OK("", "no snapshots found"))
		return res
	}

	for _, repoCfg := range src.Repos {
		res.Add(s.backupRepo(ctx, src, scfg, snapshots, repoCfg, opts))
	}
	return res
}

// backupRepo runs the per-repository state machine: select candidates,
// protect them from cleanup, transfer each, restore protection,
// evaluate the fault tolerance policy.
func (s *Impl) backupRepo(
	ctx context.Context,
	src *models.SourceConfig,
	scfg *models.SnapperConfig,
	snapshots []*models.Snapshot,
	repoCfg models.RepoConfig,
	opts models.BackupOptions,
) *results.Result {
	res := results.FromChildren(fmt.Sprintf("repository %q", repoCfg.Name))
	repo := s.newRepo(repoCfg)

	retained := retention.Select(snapshots, snapshotDate, repoCfg.Retention, s.now())
	var candidates []*models.Snapshot
	for _, snap := range retained {
		if opts.Recreate || !snap.IsBackedUp(repoCfg.Name) {
			candidates = append(candidates, snap)
		}
	}
	if len(candidates) == 0 {
		res.Add(results.OK("", "all retained snapshots already archived"))
		return res
	}

	res.Add(s.transferAll(ctx, src, scfg, repo, repoCfg, candidates, opts)...)

	failed := false
	for _, child := range res.Children() {
		if child.Status() == results.StatusErr {
			failed = true
			break
		}
	}
	if failed {
		s.evaluatePolicy(ctx, res, scfg, repoCfg)
	}
	return res
}

// transferAll protects the whole candidate batch from snapper cleanup,
// transfers each candidate, and restores the cleanup state even when
// transfers failed.
func (s *Impl) transferAll(
	ctx context.Context,
	src *models.SourceConfig,
	scfg *models.SnapperConfig,
	repo borg.Service,
	repoCfg models.RepoConfig,
	candidates []*models.Snapshot,
	opts models.BackupOptions,
) []*results.Result {
	var out []*results.Result

	var protected []*models.Snapshot
	skip := map[*models.Snapshot]bool{}
	for _, snap := range candidates {
		if err := s.snapperSvc.PreventCleanup(ctx, scfg.Name, snap); err != nil {
			out = append(out, results.Errf(taskName(snap), "failed to protect snapshot from cleanup: %v", err))
			skip[snap] = true
			continue
		}
		protected = append(protected, snap)
	}
	defer func() {
		for _, snap := range protected {
			if err := s.snapperSvc.RestoreCleanup(ctx, scfg.Name, snap); err != nil {
				s.logger.Error().Err(err).
					Int("number", snap.Number).
					Msg("failed to restore cleanup algorithm, manual cleanup needed")
			}
		}
	}()

	for _, snap := range candidates {
		if skip[snap] {
			continue
		}
		if ctx.Err() != nil {
			out = append(out, results.Err(taskName(snap), "cancelled"))
			continue
		}
		out = append(out, s.transferCandidate(ctx, src, scfg, repo, repoCfg, snap, opts))
	}
	return out
}

func (s *Impl) transferCandidate(
	ctx context.Context,
	src *models.SourceConfig,
	scfg *models.SnapperConfig,
	repo borg.Service,
	repoCfg models.RepoConfig,
	snap *models.Snapshot,
	opts models.BackupOptions,
) *results.Result {
	task := taskName(snap)
	name := archiveName(src.Name, snap)
	s.logger.Info().
		Int("number", snap.Number).
		Time("date", snap.Date).
		Str("repo", repoCfg.Name).
		Msg("transferring snapshot")

	if opts.Recreate {
		if err := repo.Delete(ctx, name); err != nil && !models.IsArchiveNotFound(err) {
			return results.Errf(task, "failed to delete archive for recreate: %v", err)
		}
		if err := s.snapperSvc.SetBackupStatus(ctx, scfg.Name, snap, repoCfg.Name, false); err != nil {
			return results.Errf(task, "failed to clear backup tag: %v", err)
		}
	}

	transferID, err := s.snapperSvc.EnsureTransferID(ctx, scfg.Name, snap)
	if err != nil {
		return results.Errf(task, "failed to assign transfer id: %v", err)
	}

	if err := s.createArchive(ctx, src, repo, name, snap, transferID, opts); err != nil {
		if models.IsArchiveExists(err) {
			// A uniquely named repository already holds this archive
			// while the snapshot only carries the legacy tag: the
			// archive was created under the old naming scheme, so
			// rename the tag instead of failing.
			if repoCfg.Name != models.LegacyRepoName && snap.LegacyOnly() {
				if merr := s.snapperSvc.MigrateLegacyTag(ctx, scfg.Name, snap, repoCfg.Name); merr != nil {
					return results.Errf(task, "failed to migrate legacy backup tag: %v", merr)
				}
				return results.OK(task, "archive already present, migrated legacy backup tag")
			}
			return results.Errf(task, "archive %q already exists", name)
		}
		return results.Errf(task, "transfer failed: %v", err)
	}

	if err := s.snapperSvc.SetBackupStatus(ctx, scfg.Name, snap, repoCfg.Name, true); err != nil {
		return results.Errf(task, "archived but failed to record backup tag: %v", err)
	}
	return results.OK(task, "")
}

func (s *Impl) createArchive(
	ctx context.Context,
	src *models.SourceConfig,
	repo borg.Service,
	name string,
	snap *models.Snapshot,
	transferID string,
	opts models.BackupOptions,
) error {
	req := models.CreateRequest{
		ArchiveName:     name,
		SourcePath:      snap.Path,
		Timestamp:       snap.Date,
		ExcludePatterns: src.ExcludePatterns,
		TransferID:      transferID,
	}
	if !opts.BindMount {
		return repo.Create(ctx, req)
	}
	target := filepath.Join(mountBase, src.Name)
	return s.mountSvc.WithMount(ctx, snap.Path, target, func(path string) error {
		req.SourcePath = path
		return repo.Create(ctx, req)
	})
}

// evaluatePolicy applies the repository's fail_after setting to a
// result that contains transfer errors.
func (s *Impl) evaluatePolicy(ctx context.Context, res *results.Result, scfg *models.SnapperConfig, repoCfg models.RepoConfig) {
	switch repoCfg.FailAfter.Policy {
	case models.FailPolicyMandatory:
		// derived ERR stands
	case models.FailPolicyOptional:
		res.Override(results.StatusWarn, "transfer errors ignored, repository is optional")
	case models.FailPolicyDeadline:
		s.evaluateDeadline(ctx, res, scfg, repoCfg)
	}
}

// evaluateDeadline demotes transfer errors to WARN as long as the
// newest successfully backed up snapshot is fresh enough. The snapshot
// list is re-read so the check reflects the tags written during this
// run.
func (s *Impl) evaluateDeadline(ctx context.Context, res *results.Result, scfg *models.SnapperConfig, repoCfg models.RepoConfig) {
	snapshots, err := s.snapperSvc.ListSnapshots(ctx, scfg)
	if err != nil {
		res.Add(results.Errf("", "failed to re-read snapshots for staleness check: %v", err))
		return
	}
	var newest *models.Snapshot
	for _, snap := range snapshots {
		if !snap.IsBackedUp(repoCfg.Name) {
			continue
		}
		if newest == nil || snap.Date.After(newest.Date) {
			newest = snap
		}
	}
	if newest == nil {
		if len(snapshots) > 0 {
			res.Add(results.Err("", "no snapshots have ever been transferred to this repository"))
		}
		return
	}
	if newest.Date.Add(repoCfg.FailAfter.MaxAge).Before(s.now()) {
		res.Add(results.Errf("", "newest successful backup from %s is too old", newest.Date.Format(time.RFC3339)))
		return
	}
	res.Override(results.StatusWarn,
		fmt.Sprintf("transfer errors tolerated, newest successful backup from %s", newest.Date.Format(time.RFC3339)))
}

// Prune applies every repository's retention policy.
func (s *Impl) Prune(ctx context.Context, cfg *models.Config) (*results.Result, error) {
	if err := s.snapperSvc.CheckVersion(ctx); err != nil {
		return nil, err
	}
	return s.pruneAll(ctx, cfg, results.StatusErr), nil
}

// pruneAll prunes every repository of every source. failStatus decides
// how prune failures are reported: ERR for a standalone prune, WARN for
// the post-backup prune.
func (s *Impl) pruneAll(ctx context.Context, cfg *models.Config, failStatus results.Status) *results.Result {
	root := results.FromChildren("Prune")
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		for _, repoCfg := range src.Repos {
			task := fmt.Sprintf("%s -> %s", src.Name, repoCfg.Name)
			if ctx.Err() != nil {
				root.Add(results.Err(task, "cancelled"))
				continue
			}
			err := s.newRepo(repoCfg).Prune(ctx, src.Name+"-*", nil)
			if err != nil {
				failed := results.FromChildren(task)
				failed.Override(failStatus, fmt.Sprintf("prune failed: %v", err))
				root.Add(failed)
				continue
			}
			root.Add(results.OK(task, ""))
		}
	}
	return root
}

// Init initializes every configured repository.
func (s *Impl) Init(ctx context.Context, cfg *models.Config) error {
	if err := s.snapperSvc.CheckVersion(ctx); err != nil {
		return err
	}
	var errs []error
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		for _, repoCfg := range src.Repos {
			if err := s.newRepo(repoCfg).Init(ctx); err != nil {
				errs = append(errs, fmt.Errorf("initializing %s for %s: %w", repoCfg.Name, src.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// CleanSnapper removes all snapborg userdata from every snapshot of
// every configured source.
func (s *Impl) CleanSnapper(ctx context.Context, cfg *models.Config) error {
	if err := s.snapperSvc.CheckVersion(ctx); err != nil {
		return err
	}
	var errs []error
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		scfg, err := s.snapperSvc.GetConfig(ctx, src.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snapshots, err := s.snapperSvc.ListSnapshots(ctx, scfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, snap := range snapshots {
			if err := s.snapperSvc.PurgeUserdata(ctx, src.Name, snap); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func snapshotDate(s *models.Snapshot) time.Time { return s.Date }

func taskName(snap *models.Snapshot) string {
	return fmt.Sprintf("snapshot %d (%s)", snap.Number, snap.Date.Format(time.RFC3339))
}

// archiveName is "<source>-<number>-<ISO8601 date>".
func archiveName(source string, snap *models.Snapshot) string {
	return fmt.Sprintf("%s-%d-%s", source, snap.Number, snap.Date.Format("2006-01-02T15:04:05"))
}
