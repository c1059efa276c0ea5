// Package svcfields standardizes the structured-log fields shared across
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem returns a logger that stamps entries with the given
// dot-delimited subsystem path. A nil logger degrades to a noop logger so
// callers never have to guard the seam.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
