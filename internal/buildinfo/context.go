// Package buildinfo carries build-time metadata injected through -ldflags
package buildinfo

import "fmt"

// UnknownValue is reported for metadata that was not set at build time
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable
type Context struct {
	Version   string
	BuildDate string
	Commit    string
}

// GetVersion returns the version tag, or UnknownValue
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date, or UnknownValue
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetCommit returns the short commit hash, or UnknownValue
func (c *Context) GetCommit() string {
	if c == nil || c.Commit == "" {
		return UnknownValue
	}
	return c.Commit
}

// String renders a one-line version banner
func (c *Context) String() string {
	return fmt.Sprintf("birdcam %s (commit %s, built %s)", c.GetVersion(), c.GetCommit(), c.GetBuildDate())
}
