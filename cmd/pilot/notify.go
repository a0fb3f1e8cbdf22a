package main

import (
	"fmt"

	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// notifyUnstable returns a pattern subscriber that raises a desktop notification
// when a pattern becomes unstable.
func notifyUnstable(logger zerolog.Logger) func(pattern.StatusChange) {
	return func(change pattern.StatusChange) {
		if change.To != pattern.StatusUnstable {
			return
		}
		title := "pilot: pattern unstable"
		message := fmt.Sprintf("%s on %s keeps failing; consider retraining it.", change.Selector, change.URL)
		if err := beeep.Notify(title, message, ""); err != nil {
			logger.Warn().Err(err).Str("patternId", change.PatternID).Msg("Failed to send desktop notification")
		}
	}
}
