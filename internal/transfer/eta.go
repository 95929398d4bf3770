package transfer

import (
	"fmt"
	"math"
)

// ETASeconds estimates the remaining time. ok is false when the rate is not known yet.
func ETASeconds(total, completed int64, rateKBs float64) (seconds float64, ok bool) {
	if rateKBs <= 0 || total <= 0 {
		return 0, false
	}
	remaining := total - completed
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / 1024 / rateKBs, true
}

// FormatETA renders seconds using the largest tier that applies: days, hours,
// minutes or seconds. Lower tiers are shown only as parts of a higher one.
func FormatETA(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	days := total / 86400
	hours := (total / 3600) % 24
	minutes := (total / 60) % 60
	secs := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd, %dh, %dm and %ds", days, hours, minutes, secs)
	case total >= 3600:
		return fmt.Sprintf("%dh, %dm and %ds", total/3600, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%d minutes and %d seconds", minutes, secs)
	default:
		return fmt.Sprintf("%d seconds", secs)
	}
}
