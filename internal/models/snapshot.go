package models

import (
	"sort"
	"strings"
	"time"
)

// Userdata keys snapborg maintains on snapper snapshots.
const (
	// UserdataKeyRepos holds the set of repository names this snapshot
	// has been archived to, encoded as "[repoA;repoB]".
	UserdataKeyRepos = "snapborg_repos"
	// UserdataKeyBackedUp is the boolean key from the single-repository
	// era, kept in sync for backward compatibility.
	UserdataKeyBackedUp = "snapborg_backup"
	// UserdataKeyID is the opaque transfer identifier recorded in the
	// archive comment.
	UserdataKeyID = "snapborg_id"
)

// Snapshot is one snapper snapshot of a source subvolume. The backup
// status set mirrors the snapper userdata and is the only durable state
// snapborg keeps.
type Snapshot struct {
	Number   int
	Date     time.Time
	Path     string
	Cleanup  string // snapper cleanup algorithm, restored after transfer
	Userdata map[string]string

	repos map[string]bool
}

// NewSnapshot builds a snapshot from snapper metadata, decoding the
// backup status set from the userdata tags.
func NewSnapshot(number int, date time.Time, path, cleanup string, userdata map[string]string) *Snapshot {
	if userdata == nil {
		userdata = map[string]string{}
	}
	s := &Snapshot{
		Number:   number,
		Date:     date,
		Path:     path,
		Cleanup:  cleanup,
		Userdata: userdata,
	}
	s.repos = decodeRepoSet(userdata)
	return s
}

func decodeRepoSet(userdata map[string]string) map[string]bool {
	repos := map[string]bool{}
	if v, ok := userdata[UserdataKeyRepos]; ok && v != "" {
		for _, name := range strings.Split(strings.Trim(v, "[]"), ";") {
			if name != "" {
				repos[name] = true
			}
		}
		return repos
	}
	if userdata[UserdataKeyBackedUp] == "true" {
		repos[LegacyRepoName] = true
	}
	return repos
}

// IsBackedUp reports whether this snapshot has been archived to the
// given repository.
func (s *Snapshot) IsBackedUp(repo string) bool {
	return s.repos[repo]
}

// BackupRepos returns the sorted set of repositories this snapshot has
// been archived to.
func (s *Snapshot) BackupRepos() []string {
	names := make([]string, 0, len(s.repos))
	for name := range s.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LegacyOnly reports whether the backup status set contains exactly the
// legacy sentinel repository.
func (s *Snapshot) LegacyOnly() bool {
	return len(s.repos) == 1 && s.repos[LegacyRepoName]
}

// SetBackupStatus adds or removes a repository from the backup status
// set. The change is in-memory only; persisting it is the snapper
// service's job.
func (s *Snapshot) SetBackupStatus(repo string, present bool) {
	if present {
		s.repos[repo] = true
	} else {
		delete(s.repos, repo)
	}
}

// ClearBackupStatus empties the backup status set.
func (s *Snapshot) ClearBackupStatus() {
	s.repos = map[string]bool{}
}

// EncodeRepoSet renders the backup status set in its userdata form,
// e.g. "[repoA;repoB]". An empty set encodes as the empty string so the
// key is removed from snapper.
func (s *Snapshot) EncodeRepoSet() string {
	if len(s.repos) == 0 {
		return ""
	}
	return "[" + strings.Join(s.BackupRepos(), ";") + "]"
}

// TransferID returns the snapborg_id userdata value, or "".
func (s *Snapshot) TransferID() string {
	return s.Userdata[UserdataKeyID]
}
