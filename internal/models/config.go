// Package models contains the data structures used throughout snapborg.
package models

import "time"

// LegacyRepoName is the reserved repository identity from the
// single-repository era. Repositories configured without a name inherit
// it so that snapshots tagged back then keep matching.
const LegacyRepoName = "legacy"

// Config holds the complete snapborg configuration.
type Config struct {
	Sources []SourceConfig
}

// Source returns the source config with the given name, or nil.
func (c *Config) Source(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}

// SourceConfig describes one snapper config and the repositories its
// snapshots are archived to.
type SourceConfig struct {
	Name             string
	Repos            []RepoConfig
	ExcludePatterns  []string
	FaultTolerant    bool
	LastBackupMaxAge time.Duration
}

// RepoConfig describes one borg repository.
type RepoConfig struct {
	Name        string
	Path        string
	Encryption  string // "none" or "repokey"
	Passphrase  string // resolved at config load, never a file path
	Compression string
	Retention   RetentionPolicy
	FailAfter   FailAfter
	// CreateParams are passed through to borg create as flags:
	// bool -> bare flag, list -> repeated flag, scalar -> flag with value.
	CreateParams map[string]any
}

// RetentionPolicy defines how many snapshots to keep per calendar tier.
// The counts are independent, not cumulative.
type RetentionPolicy struct {
	KeepLast     int
	KeepMinutely int
	KeepHourly   int
	KeepDaily    int
	KeepWeekly   int
	KeepMonthly  int
	KeepYearly   int
}

// IsZero reports whether every keep count is zero.
func (p RetentionPolicy) IsZero() bool {
	return p == RetentionPolicy{}
}

// FailPolicy decides how transfer errors on a repository escalate.
type FailPolicy int

const (
	// FailPolicyMandatory escalates any transfer error to ERR.
	FailPolicyMandatory FailPolicy = iota
	// FailPolicyOptional never escalates beyond WARN.
	FailPolicyOptional
	// FailPolicyDeadline tolerates errors until the newest successful
	// backup is older than MaxAge.
	FailPolicyDeadline
)

// FailAfter is the per-repository fault tolerance setting.
type FailAfter struct {
	Policy FailPolicy
	MaxAge time.Duration // only meaningful for FailPolicyDeadline
}

// Mandatory returns a FailAfter which escalates every transfer error.
func Mandatory() FailAfter { return FailAfter{Policy: FailPolicyMandatory} }

// Optional returns a best-effort FailAfter.
func Optional() FailAfter { return FailAfter{Policy: FailPolicyOptional} }

// Deadline returns a FailAfter which tolerates errors until the newest
// successful backup is older than maxAge.
func Deadline(maxAge time.Duration) FailAfter {
	return FailAfter{Policy: FailPolicyDeadline, MaxAge: maxAge}
}

// BackupOptions are the flags of the backup subcommand.
type BackupOptions struct {
	Recreate  bool
	NoPrune   bool
	BindMount bool
}
