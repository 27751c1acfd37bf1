// Package notifier sends desktop notifications when a run finishes
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/starterkit/starterkit/pkg/logger"
)

// Summary describes a finished lock-sync or test run
type Summary struct {
	Command  string
	Passed   int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Notifier sends run notifications
type Notifier struct {
	enabled bool
	sound   bool
	logger  logger.Logger
	send    func(title, message string) error
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Sound beeps on failure
	Sound bool
}

// New creates a notifier
func New(config Config, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.Discard()
	}
	return &Notifier{
		enabled: config.Enabled,
		sound:   config.Sound,
		logger:  log,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// NotifyRun reports the outcome of a run
func (n *Notifier) NotifyRun(s Summary) {
	if !n.enabled {
		return
	}

	title, message := Format(s)
	n.sendNotification(title, message)

	if s.Failed > 0 && n.sound {
		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithField("error", err))
		}
	}
}

// NotifyStarterFailure reports a single failing starter, used by watch mode
func (n *Notifier) NotifyStarterFailure(starter string, err error) {
	if !n.enabled {
		return
	}
	n.sendNotification("❌ "+starter, fmt.Sprintf("%v", err))
}

// Format builds the notification title and body for a summary
func Format(s Summary) (string, string) {
	title := fmt.Sprintf("✅ starterkit %s passed", s.Command)
	if s.Failed > 0 {
		title = fmt.Sprintf("❌ starterkit %s failed", s.Command)
	}

	message := fmt.Sprintf("%d passed, %d failed", s.Passed, s.Failed)
	if s.Skipped > 0 {
		message += fmt.Sprintf(", %d skipped", s.Skipped)
	}
	message += " in " + formatDuration(s.Duration)
	return title, message
}

func (n *Notifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithField("error", err))
		// Fall back to the console
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
