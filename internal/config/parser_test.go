package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enzingerm/snapborg/internal/models"
)

func TestLoadReader_SingleRepoShorthand(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
`)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 1)

	src := cfg.Sources[0]
	assert.Equal(t, "home", src.Name)
	require.Len(t, src.Repos, 1)

	repo := src.Repos[0]
	assert.Equal(t, models.LegacyRepoName, repo.Name)
	assert.Equal(t, "/mnt/backup/home", repo.Path)
	assert.Equal(t, "none", repo.Encryption)
	assert.Equal(t, "auto,zstd,4", repo.Compression)
	assert.Equal(t, models.FailPolicyMandatory, repo.FailAfter.Policy)
}

func TestLoadReader_DefaultRetention(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
`)
	require.NoError(t, err)

	retention := cfg.Sources[0].Repos[0].Retention
	assert.Equal(t, models.RetentionPolicy{
		KeepLast:    1,
		KeepDaily:   7,
		KeepWeekly:  4,
		KeepMonthly: 3,
		KeepYearly:  5,
	}, retention)
}

func TestLoadReader_ExplicitZeroOverridesDefault(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    retention:
      keep_daily: 0
      keep_hourly: 24
`)
	require.NoError(t, err)

	retention := cfg.Sources[0].Repos[0].Retention
	assert.Equal(t, 0, retention.KeepDaily)
	assert.Equal(t, 24, retention.KeepHourly)
	// untouched tiers keep their defaults
	assert.Equal(t, 4, retention.KeepWeekly)
}

func TestLoadReader_MultipleRepos(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repos:
      - name: nas
        repo: /mnt/nas/home
      - name: offsite
        repo: ssh://backup@offsite/./home
        fail_after: false
`)
	require.NoError(t, err)
	require.Len(t, cfg.Sources[0].Repos, 2)

	nas := cfg.Sources[0].Repos[0]
	assert.Equal(t, "nas", nas.Name)
	assert.Equal(t, models.FailPolicyMandatory, nas.FailAfter.Policy)

	offsite := cfg.Sources[0].Repos[1]
	assert.Equal(t, "offsite", offsite.Name)
	assert.Equal(t, models.FailPolicyOptional, offsite.FailAfter.Policy)
}

func TestLoadReader_FailAfterDuration(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repos:
      - name: offsite
        repo: /mnt/offsite/home
        fail_after: 3d
`)
	require.NoError(t, err)

	failAfter := cfg.Sources[0].Repos[0].FailAfter
	assert.Equal(t, models.FailPolicyDeadline, failAfter.Policy)
	assert.Equal(t, 72*time.Hour, failAfter.MaxAge)
}

func TestLoadReader_FailAfterInvalidDuration(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repos:
      - name: offsite
        repo: /mnt/offsite/home
        fail_after: 3 weeks
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestLoadReader_FaultTolerantFallback(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    fault_tolerant_mode: true
    last_backup_max_age: 36h
`)
	require.NoError(t, err)

	failAfter := cfg.Sources[0].Repos[0].FailAfter
	assert.Equal(t, models.FailPolicyDeadline, failAfter.Policy)
	assert.Equal(t, 36*time.Hour, failAfter.MaxAge)
}

func TestLoadReader_FaultTolerantWithoutMaxAgeIsOptional(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    fault_tolerant_mode: true
`)
	require.NoError(t, err)

	assert.Equal(t, models.FailPolicyOptional, cfg.Sources[0].Repos[0].FailAfter.Policy)
}

func TestLoadReader_RepoLevelFailAfterWinsOverFallback(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    fault_tolerant_mode: true
    repos:
      - name: nas
        repo: /mnt/nas/home
        fail_after: true
      - name: offsite
        repo: /mnt/offsite/home
`)
	require.NoError(t, err)

	assert.Equal(t, models.FailPolicyMandatory, cfg.Sources[0].Repos[0].FailAfter.Policy)
	assert.Equal(t, models.FailPolicyOptional, cfg.Sources[0].Repos[1].FailAfter.Policy)
}

func TestLoadReader_DuplicateSourceName(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/a
  - name: home
    repo: /mnt/b
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate config section")
}

func TestLoadReader_DuplicateRepoName(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repos:
      - name: nas
        repo: /mnt/a
      - name: nas
        repo: /mnt/b
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate repository name")
}

func TestLoadReader_MissingName(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - repo: /mnt/backup/home
`)
	require.Error(t, err)
	assert.True(t, models.IsDomainError(err))
}

func TestLoadReader_MissingRepo(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no target repository")
}

func TestLoadReader_InvalidExcludePattern(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    exclude_patterns:
      - "[unclosed"
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid exclude pattern")
}

func TestLoadReader_RepokeyRequiresPassphrase(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    storage:
      encryption: repokey
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_passphrase")
}

func TestLoadReader_InvalidEncryptionMode(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    storage:
      encryption: keyfile
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption mode")
}

func TestLoadReader_PassphraseFromFile(t *testing.T) {
	dir := t.TempDir()
	passFile := filepath.Join(dir, "passphrase")
	require.NoError(t, os.WriteFile(passFile, []byte("s3cret\n"), 0o600))

	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    storage:
      encryption: repokey
      encryption_passphrase: ` + passFile + `
`)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Sources[0].Repos[0].Passphrase)
}

func TestLoadReader_PassphraseLiteral(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: /mnt/backup/home
    storage:
      encryption: repokey
      encryption_passphrase: hunter2
`)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Sources[0].Repos[0].Passphrase)
}

func TestLoadReader_EnvExpansionInRepoPath(t *testing.T) {
	t.Setenv("SNAPBORG_TEST_BASE", "/mnt/backup")

	parser := NewParser()
	cfg, err := parser.LoadReader(`
configs:
  - name: home
    repo: $SNAPBORG_TEST_BASE/home
`)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/backup/home", cfg.Sources[0].Repos[0].Path)
}

func TestLoadFile_MissingFile(t *testing.T) {
	parser := NewParser()
	_, err := parser.LoadFile("/nonexistent/snapborg.yaml")
	require.Error(t, err)
	assert.True(t, models.IsDomainError(err))
}

func TestSelectSource(t *testing.T) {
	cfg := &models.Config{Sources: []models.SourceConfig{{Name: "root"}, {Name: "home"}}}

	narrowed, err := SelectSource(cfg, "home")
	require.NoError(t, err)
	require.Len(t, narrowed.Sources, 1)
	assert.Equal(t, "home", narrowed.Sources[0].Name)

	all, err := SelectSource(cfg, "")
	require.NoError(t, err)
	assert.Len(t, all.Sources, 2)

	_, err = SelectSource(cfg, "missing")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := &models.Config{Sources: []models.SourceConfig{
		{Name: "home", Repos: []models.RepoConfig{{Name: "nas", Path: "/mnt/nas"}}},
	}}
	assert.NoError(t, Validate(valid))

	assert.Error(t, Validate(nil))
	assert.Error(t, Validate(&models.Config{}))
	assert.Error(t, Validate(&models.Config{Sources: []models.SourceConfig{{Name: "home"}}}))
}
