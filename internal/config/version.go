package config

import "fmt"

// CurrentVersion is the config file format this build writes and reads.
// Load fills it in when a file omits version.
const CurrentVersion = 1

// VersionError reports a config version this build cannot read.
type VersionError struct {
	Version int
	Current int
	// Reason is "invalid" or "newer than this build".
	Reason string
}

func (e *VersionError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Version > e.Current:
		return fmt.Sprintf("config version %d is %s (supports up to %d); upgrade dispatchkit", e.Version, e.Reason, e.Current)
	default:
		return fmt.Sprintf("config version %d is %s (supports 1 to %d)", e.Version, e.Reason, e.Current)
	}
}

// ValidateVersion rejects versions below 1 and above CurrentVersion.
func ValidateVersion(version int) error {
	reason := ""
	switch {
	case version < 1:
		reason = "invalid"
	case version > CurrentVersion:
		reason = "newer than this build"
	default:
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion, Reason: reason}
}
