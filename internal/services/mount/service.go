// Package mount provides the bind-mount scope used to archive snapshots
// from a stable path. Archiving every snapshot from the same mount
// point keeps borg's file cache effective across snapshot numbers.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/enzingerm/snapborg/internal/models"
)

// Service defines the interface for bind-mount scopes.
type Service interface {
	// WithMount bind-mounts source at target, calls fn with the path to
	// archive from, and unmounts on every exit path.
	WithMount(ctx context.Context, source, target string, fn func(path string) error) error
}

// Mounter abstracts the mount syscalls for tests.
type Mounter interface {
	Mount(source, target string) error
	Unmount(target string) error
}

type unixMounter struct{}

func (unixMounter) Mount(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_BIND, "")
}

func (unixMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

// Impl implements the Service interface.
type Impl struct {
	mounter Mounter
	logger  zerolog.Logger
	dryRun  bool
}

// New creates a new mount service.
func New(logger zerolog.Logger, dryRun bool) *Impl {
	return &Impl{mounter: unixMounter{}, logger: logger, dryRun: dryRun}
}

// NewWithMounter creates a new mount service with a custom mounter
// (for testing).
func NewWithMounter(logger zerolog.Logger, mounter Mounter, dryRun bool) *Impl {
	return &Impl{mounter: mounter, logger: logger, dryRun: dryRun}
}

// WithMount implements Service. In dry-run mode no mount is performed
// and fn runs against the real source path.
func (s *Impl) WithMount(ctx context.Context, source, target string, fn func(path string) error) error {
	if s.dryRun {
		s.logger.Info().Str("source", source).Str("target", target).Msg("dry run, skipping bind mount")
		return fn(source)
	}
	if err := os.MkdirAll(target, 0o700); err != nil {
		return s.wrap(target, fmt.Errorf("creating mount point: %w", err))
	}
	// clear stale mounts left behind by an aborted run
	for s.mounter.Unmount(target) == nil {
		s.logger.Warn().Str("target", target).Msg("unmounted stale bind mount")
	}
	if err := s.mounter.Mount(source, target); err != nil {
		return s.wrap(target, err)
	}
	defer func() {
		if err := s.mounter.Unmount(target); err != nil {
			s.logger.Error().Err(err).Str("target", target).Msg("failed to unmount, manual cleanup needed")
		}
	}()
	return fn(target)
}

func (s *Impl) wrap(target string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", models.ErrPermission, err)
	}
	return &models.MountError{Target: target, Err: err}
}
