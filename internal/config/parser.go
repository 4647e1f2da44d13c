// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"

	"github.com/enzingerm/snapborg/internal/models"
)

// Defaults applied when a repository omits the corresponding settings.
const (
	defaultEncryption  = "none"
	defaultCompression = "auto,zstd,4"
)

var defaultRetention = models.RetentionPolicy{
	KeepLast:    1,
	KeepDaily:   7,
	KeepWeekly:  4,
	KeepMonthly: 3,
	KeepYearly:  5,
}

// maxAgeRe is the "<int>(d|h)" duration grammar used by
// last_backup_max_age and fail_after.
var maxAgeRe = regexp.MustCompile(`^(\d+)(d|h)$`)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, &models.ConfigError{Msg: "reading config file", Err: err}
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, &models.ConfigError{Msg: "reading config", Err: err}
	}

	return p.parse()
}

// Raw config structures. Retention counts are pointers to tell "absent,
// use the default" apart from an explicit zero.
type rawRetention struct {
	KeepLast     *int `mapstructure:"keep_last"`
	KeepMinutely *int `mapstructure:"keep_minutely"`
	KeepHourly   *int `mapstructure:"keep_hourly"`
	KeepDaily    *int `mapstructure:"keep_daily"`
	KeepWeekly   *int `mapstructure:"keep_weekly"`
	KeepMonthly  *int `mapstructure:"keep_monthly"`
	KeepYearly   *int `mapstructure:"keep_yearly"`
}

type rawStorage struct {
	Encryption           string `mapstructure:"encryption"`
	Compression          string `mapstructure:"compression"`
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
}

type rawRepo struct {
	Name         string         `mapstructure:"name"`
	Repo         string         `mapstructure:"repo"`
	Storage      rawStorage     `mapstructure:"storage"`
	Retention    *rawRetention  `mapstructure:"retention"`
	FailAfter    any            `mapstructure:"fail_after"`
	CreateParams map[string]any `mapstructure:"create_params"`
}

type rawSource struct {
	Name             string        `mapstructure:"name"`
	Repo             string        `mapstructure:"repo"` // single-repository shorthand
	Repos            []rawRepo     `mapstructure:"repos"`
	Storage          rawStorage    `mapstructure:"storage"`
	Retention        *rawRetention `mapstructure:"retention"`
	ExcludePatterns  []string      `mapstructure:"exclude_patterns"`
	FaultTolerant    bool          `mapstructure:"fault_tolerant_mode"`
	LastBackupMaxAge string        `mapstructure:"last_backup_max_age"`
}

func (p *Parser) parse() (*models.Config, error) {
	var rawSources []rawSource
	if err := p.v.UnmarshalKey("configs", &rawSources); err != nil {
		return nil, &models.ConfigError{Msg: "parsing configs section", Err: err}
	}

	cfg := &models.Config{}
	seen := map[string]bool{}
	for i := range rawSources {
		src, err := parseSource(&rawSources[i])
		if err != nil {
			return nil, err
		}
		if seen[src.Name] {
			return nil, models.Configf("duplicate config section %q", src.Name)
		}
		seen[src.Name] = true
		cfg.Sources = append(cfg.Sources, *src)
	}
	return cfg, nil
}

//nolint:gocognit // config parsing with defaults requires checking many fields
func parseSource(raw *rawSource) (*models.SourceConfig, error) {
	if raw.Name == "" {
		return nil, models.Configf("snapper config name must be given for every config section")
	}

	src := &models.SourceConfig{
		Name:            raw.Name,
		ExcludePatterns: raw.ExcludePatterns,
		FaultTolerant:   raw.FaultTolerant,
	}

	for _, pattern := range raw.ExcludePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return nil, &models.ConfigError{
				Msg: fmt.Sprintf("invalid exclude pattern %q in config %q", pattern, raw.Name),
				Err: err,
			}
		}
	}

	if raw.LastBackupMaxAge != "" {
		maxAge, err := parseMaxAge(raw.LastBackupMaxAge)
		if err != nil {
			return nil, err
		}
		src.LastBackupMaxAge = maxAge
	}

	// The policy a repository falls back to when it has no fail_after
	// of its own, derived from the pre-multi-repo settings.
	fallback := models.Mandatory()
	if raw.FaultTolerant {
		if src.LastBackupMaxAge > 0 {
			fallback = models.Deadline(src.LastBackupMaxAge)
		} else {
			fallback = models.Optional()
		}
	}

	rawRepos := raw.Repos
	if len(rawRepos) == 0 {
		if raw.Repo == "" {
			return nil, models.Configf("no target repository given for config %q", raw.Name)
		}
		// single-repository shorthand keeps the legacy identity
		rawRepos = []rawRepo{{
			Name:      models.LegacyRepoName,
			Repo:      raw.Repo,
			Storage:   raw.Storage,
			Retention: raw.Retention,
		}}
	}

	repoNames := map[string]bool{}
	for i := range rawRepos {
		repo, err := parseRepo(&rawRepos[i], raw.Name, fallback)
		if err != nil {
			return nil, err
		}
		if repoNames[repo.Name] {
			return nil, models.Configf("duplicate repository name %q in config %q", repo.Name, raw.Name)
		}
		repoNames[repo.Name] = true
		src.Repos = append(src.Repos, *repo)
	}
	return src, nil
}

func parseRepo(raw *rawRepo, sourceName string, fallback models.FailAfter) (*models.RepoConfig, error) {
	if raw.Repo == "" {
		return nil, models.Configf("target repository not given for %q in config %q", raw.Name, sourceName)
	}
	repo := &models.RepoConfig{
		Name:         raw.Name,
		Path:         os.ExpandEnv(raw.Repo),
		Encryption:   raw.Storage.Encryption,
		Compression:  raw.Storage.Compression,
		Retention:    parseRetention(raw.Retention),
		CreateParams: raw.CreateParams,
	}
	if repo.Name == "" {
		repo.Name = models.LegacyRepoName
	}
	if repo.Encryption == "" {
		repo.Encryption = defaultEncryption
	}
	if repo.Compression == "" {
		repo.Compression = defaultCompression
	}

	switch repo.Encryption {
	case "none":
	case "repokey":
		passphrase, err := resolvePassphrase(raw.Storage.EncryptionPassphrase)
		if err != nil {
			return nil, err
		}
		repo.Passphrase = passphrase
	default:
		return nil, models.Configf("invalid or unsupported encryption mode %q for repository %q", repo.Encryption, repo.Name)
	}

	failAfter, err := parseFailAfter(raw.FailAfter, fallback)
	if err != nil {
		return nil, err
	}
	repo.FailAfter = failAfter
	return repo, nil
}

func parseRetention(raw *rawRetention) models.RetentionPolicy {
	policy := defaultRetention
	if raw == nil {
		return policy
	}
	apply := func(dst, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&policy.KeepLast, raw.KeepLast)
	apply(&policy.KeepMinutely, raw.KeepMinutely)
	apply(&policy.KeepHourly, raw.KeepHourly)
	apply(&policy.KeepDaily, raw.KeepDaily)
	apply(&policy.KeepWeekly, raw.KeepWeekly)
	apply(&policy.KeepMonthly, raw.KeepMonthly)
	apply(&policy.KeepYearly, raw.KeepYearly)
	return policy
}

// parseFailAfter maps the tri-state fail_after value: absent uses the
// source-level fallback, false means optional, true means mandatory, a
// duration string means optional with a staleness deadline.
func parseFailAfter(raw any, fallback models.FailAfter) (models.FailAfter, error) {
	switch v := raw.(type) {
	case nil:
		return fallback, nil
	case bool:
		if v {
			return models.Mandatory(), nil
		}
		return models.Optional(), nil
	case string:
		maxAge, err := parseMaxAge(v)
		if err != nil {
			return models.FailAfter{}, err
		}
		return models.Deadline(maxAge), nil
	default:
		return models.FailAfter{}, models.Configf("fail_after must be a boolean or a duration, got %v", raw)
	}
}

func parseMaxAge(s string) (time.Duration, error) {
	match := maxAgeRe.FindStringSubmatch(s)
	if match == nil {
		return 0, models.Configf("duration must be given as days (e.g. '5d') or hours (e.g. '6h'), got %q", s)
	}
	var value int
	fmt.Sscanf(match[1], "%d", &value)
	if match[2] == "d" {
		return time.Duration(value) * 24 * time.Hour, nil
	}
	return time.Duration(value) * time.Hour, nil
}

// resolvePassphrase reads the passphrase from a file when the value
// looks like a path, following the sftbackup convention.
func resolvePassphrase(value string) (string, error) {
	if value == "" {
		return "", models.Configf("encryption_passphrase is required for repokey encryption")
	}
	value = os.ExpandEnv(value)
	if !strings.HasPrefix(value, "~") && !strings.HasPrefix(value, "/") && !strings.HasPrefix(value, ".") {
		return value, nil
	}
	path := value
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &models.ConfigError{Msg: "resolving home directory for passphrase file", Err: err}
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &models.ConfigError{Msg: fmt.Sprintf("reading passphrase file %q", path), Err: err}
	}
	return strings.TrimSpace(string(content)), nil
}

// SelectSource narrows the config to a single named source.
func SelectSource(cfg *models.Config, name string) (*models.Config, error) {
	if name == "" {
		return cfg, nil
	}
	src := cfg.Source(name)
	if src == nil {
		return nil, models.Configf("no such config %q", name)
	}
	return &models.Config{Sources: []models.SourceConfig{*src}}, nil
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return models.Configf("configuration is nil")
	}
	if len(cfg.Sources) == 0 {
		return models.Configf("no configs section given")
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			return models.Configf("snapper config name must be given for every config section")
		}
		if len(src.Repos) == 0 {
			return models.Configf("no target repository given for config %q", src.Name)
		}
	}
	return nil
}
