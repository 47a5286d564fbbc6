package rig

import "strings"

// Mode is the controller's operating mode. Unknown values are carried as-is.
type Mode string

const (
	ModeManual  Mode = "manual"
	ModeAuto    Mode = "auto"
	ModeHybrid  Mode = "hybrid"
	ModeOffline Mode = "offline"
)

// Known reports whether m is one of the modes the controller documents.
func (m Mode) Known() bool {
	switch m {
	case ModeManual, ModeAuto, ModeHybrid, ModeOffline:
		return true
	}
	return false
}

func ParseMode(raw string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(raw)))
}
