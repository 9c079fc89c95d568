package game

import "time"

// Clock is a two-sided countdown for one game. It is lazy: no timer runs
// against it, elapsed time is folded into the active side whenever state is
// read or mutated. Timeout is observed by callers sampling the clock, never
// triggered by the clock itself.
//
// Clock is not safe for concurrent use; the owning room serializes access.
type Clock struct {
	WhiteMs  int64
	BlackMs  int64
	Active   string    // "w", "b", or "" when frozen
	LastTick time.Time // zero while frozen
}

// NewClock returns a frozen clock with the given per-side budget.
func NewClock(budgetMs int64) *Clock {
	return &Clock{WhiteMs: budgetMs, BlackMs: budgetMs}
}

// Start arms the clock with white to move.
func (c *Clock) Start(now time.Time) {
	c.Active = White
	c.LastTick = now
}

// Sample folds wall time elapsed since the last tick into the active side,
// flooring at zero. Idempotent for repeated calls with non-decreasing now.
func (c *Clock) Sample(now time.Time) {
	if c.Active == "" || c.LastTick.IsZero() {
		return
	}

	elapsed := now.Sub(c.LastTick).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	switch c.Active {
	case White:
		c.WhiteMs = max(0, c.WhiteMs-elapsed)
	case Black:
		c.BlackMs = max(0, c.BlackMs-elapsed)
	}
	c.LastTick = now
}

// Switch samples, then hands the clock to the other side. Applied atomically
// with a successful move.
func (c *Clock) Switch(now time.Time) {
	c.Sample(now)
	switch c.Active {
	case White:
		c.Active = Black
	case Black:
		c.Active = White
	}
}

// Freeze stops the clock permanently. Sampling a frozen clock is a no-op.
func (c *Clock) Freeze() {
	c.Active = ""
	c.LastTick = time.Time{}
}

// Remaining returns the budget left for a side in milliseconds.
func (c *Clock) Remaining(side string) int64 {
	if side == White {
		return c.WhiteMs
	}
	return c.BlackMs
}

// Expired reports whether a side has exhausted its budget.
func (c *Clock) Expired(side string) bool {
	return c.Remaining(side) <= 0
}
