package models

import "time"

// CreateRequest describes one borg create invocation.
type CreateRequest struct {
	ArchiveName     string
	SourcePath      string
	Timestamp       time.Time // archive creation time, the snapshot's date
	ExcludePatterns []string
	TransferID      string // recorded as "snapborg_id=..." in the archive comment
}

// Archive is one entry of borg list --json.
type Archive struct {
	Name    string
	Time    time.Time
	Comment string
}
