package epoch

import (
	"time"

	"montana-presence/models"
)

// Protocol defaults: 600-second windows counted from the Montana genesis
// (2026-01-09 00:00 Moscow time).
const DefaultWindowSeconds = 600

var DefaultGenesis = time.Date(2026, 1, 8, 21, 0, 0, 0, time.UTC)

// Clock derives the current window index purely from wall time, so every
// caller sees the same epoch regardless of when it started observing.
type Clock struct {
	genesis time.Time
	window  int64
}

func NewClock(genesis time.Time, windowSeconds int64) *Clock {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	return &Clock{genesis: genesis, window: windowSeconds}
}

// At computes the window position for the given instant. Instants before
// genesis map to index 0 with zero elapsed.
func (c *Clock) At(now time.Time) models.EpochInfo {
	since := int64(now.Sub(c.genesis) / time.Second)
	if since < 0 {
		since = 0
	}
	elapsed := since % c.window
	return models.EpochInfo{
		Index:         since / c.window,
		WindowSeconds: c.window,
		Elapsed:       elapsed,
		Remaining:     c.window - elapsed,
	}
}

// Now is shorthand for At(time.Now()).
func (c *Clock) Now() models.EpochInfo {
	return c.At(time.Now())
}
