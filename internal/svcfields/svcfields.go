package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem := Subsystem(parts...)
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
