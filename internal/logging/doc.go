// Package logging builds the slog loggers used by inbox-agent and inbox-sim.
//
// Text format renders one colorized line per record; json format uses
// slog's JSON handler.
package logging
