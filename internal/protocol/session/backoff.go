package session

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoffExponent keeps the float math finite for long reconnect runs.
const maxBackoffExponent = 62

// NextBackoffDelay returns the retry delay for attempt N (1-based). Jitter
// scales the capped delay by a factor in [0.5, 1.5).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	exp := float64(attempt - 1)
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, exp)
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay > float64(math.MaxInt64/2) {
		delay = float64(math.MaxInt64 / 2)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
