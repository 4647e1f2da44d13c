package models

// SnapperConfig is the settings map of one snapper config, as reported
// by snapper get-config.
type SnapperConfig struct {
	Name     string
	Settings map[string]string
}

// SubvolumePath returns the subvolume the config snapshots.
func (c *SnapperConfig) SubvolumePath() string {
	return c.Settings["SUBVOLUME"]
}

// TimelineEnabled reports whether snapper's timeline cleanup creates
// snapshots for this config.
func (c *SnapperConfig) TimelineEnabled() bool {
	return c.Settings["TIMELINE_CREATE"] == "yes"
}
