package engine

import "time"

// SubmissionTimeBuffer is how long before the close derivative
// liquidations for pending splits must be submitted.
const SubmissionTimeBuffer = 15 * time.Minute

// Settings carries the loop cadences and seams.
type Settings struct {
	// SettlementScanInterval spaces unsettled-cash scans.
	SettlementScanInterval time.Duration
	// MarginScanInterval spaces margin evaluations. Live runs catch up
	// to wall time when slices arrive late; backtests evaluate on the
	// data clock only.
	MarginScanInterval time.Duration
	// MarginAfterCorporateActions evaluates margin on post-split
	// quantities and prices. Disabling it moves the evaluation ahead of
	// the corporate action step.
	MarginAfterCorporateActions bool
	// LiveMode switches the loop to wall-clock catch-up behavior.
	LiveMode bool
}

// DefaultSettings returns the standard backtest cadences.
func DefaultSettings() Settings {
	return Settings{
		SettlementScanInterval:      30 * time.Minute,
		MarginScanInterval:          5 * time.Minute,
		MarginAfterCorporateActions: true,
	}
}
