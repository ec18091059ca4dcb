// Package consts defines the constants used by the project.
package consts

import "log/slog"

var (
	// Version is the version of the executable.
	Version = "Dev"
)

const (
	// DefaultLevelLog is the default logging level selected without any option.
	DefaultLevelLog = slog.LevelWarn

	// DefaultProfileName is the file name of the scenario profile looked up when none is given.
	DefaultProfileName = "casprobe.conf"

	// TicketGrantingCookie is the name of the cookie holding the CAS single sign-on session.
	TicketGrantingCookie = "TGC"

	// UMAProtectionScope is the scope an access token needs to manage resource sets and policies.
	UMAProtectionScope = "uma_protection"
)
