package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors recognized across the codebase.
var (
	// ErrSnapperTooOld means the installed snapper cannot produce JSON
	// output. Fatal, checked before any other operation.
	ErrSnapperTooOld = errors.New("snapper is too old, version 0.8.6 or newer is required")

	// ErrPermission marks failures of privileged operations such as
	// bind mounts.
	ErrPermission = errors.New("permission denied, snapborg may need to run as root")

	// ErrRunFailed is returned when the result tree of a run has ERR at
	// the root. It maps to exit code 1.
	ErrRunFailed = errors.New("snapborg failed")
)

// ConfigError reports an invalid or unreadable configuration.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// SnapperExecError reports a failed or malformed snapper invocation.
type SnapperExecError struct {
	Args   []string
	Output string
	Err    error
}

func (e *SnapperExecError) Error() string {
	return fmt.Sprintf("snapper %s failed: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *SnapperExecError) Unwrap() error { return e.Err }

// Borg exit codes in BORG_EXIT_CODES=modern mode. Codes 100-127 are
// warnings, everything else non-zero except 1 is an error.
const (
	BorgExitWarning         = 1
	BorgExitArchiveExists   = 30
	BorgExitArchiveNotFound = 31
	BorgExitWarningRangeLo  = 100
	BorgExitWarningRangeHi  = 127
)

// BorgExitError reports a borg invocation that ended with a non-warning
// exit code.
type BorgExitError struct {
	Code   int
	Output string
}

func (e *BorgExitError) Error() string {
	return fmt.Sprintf("borg exited with code %d", e.Code)
}

// IsBorgWarningCode reports whether a borg exit code is in the warning
// range and should not fail the operation.
func IsBorgWarningCode(code int) bool {
	return code == BorgExitWarning ||
		(code >= BorgExitWarningRangeLo && code <= BorgExitWarningRangeHi)
}

// IsArchiveExists reports whether err is borg's "archive already
// exists" condition, the signal driving the legacy tag migration.
func IsArchiveExists(err error) bool {
	var be *BorgExitError
	return errors.As(err, &be) && be.Code == BorgExitArchiveExists
}

// IsArchiveNotFound reports whether err is borg's "archive does not
// exist" condition, tolerated during forced recreates.
func IsArchiveNotFound(err error) bool {
	var be *BorgExitError
	return errors.As(err, &be) && be.Code == BorgExitArchiveNotFound
}

// MountError reports a failed bind mount setup or teardown.
type MountError struct {
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("bind mount at %s failed: %v", e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// IsDomainError reports whether err belongs to the snapborg error
// taxonomy. Recognized errors exit with code 1, anything else with 2.
func IsDomainError(err error) bool {
	if errors.Is(err, ErrSnapperTooOld) || errors.Is(err, ErrPermission) || errors.Is(err, ErrRunFailed) {
		return true
	}
	var (
		ce *ConfigError
		se *SnapperExecError
		be *BorgExitError
		me *MountError
	)
	return errors.As(err, &ce) || errors.As(err, &se) || errors.As(err, &be) || errors.As(err, &me)
}
