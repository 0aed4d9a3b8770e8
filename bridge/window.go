package bridge

// TimeWindow is a half-open interval [StartMillis, EndMillis) over msgTime.
// Either bound may be 0, meaning unbounded on that side.
type TimeWindow struct {
	StartMillis int64 `json:"startMillis"`
	EndMillis   int64 `json:"endMillis"`
}

// Bounded reports whether both ends of the window are set.
func (w TimeWindow) Bounded() bool {
	return w.StartMillis > 0 && w.EndMillis > 0
}

// Contains reports whether t (milliseconds, after promotion) falls inside
// the window.
func (w TimeWindow) Contains(t int64) bool {
	t = PromoteMillis(t)
	if w.StartMillis > 0 && t < w.StartMillis {
		return false
	}
	if w.EndMillis > 0 && t >= w.EndMillis {
		return false
	}
	return true
}

// Span returns the window length in milliseconds, or 0 when unbounded.
func (w TimeWindow) Span() int64 {
	if !w.Bounded() || w.EndMillis <= w.StartMillis {
		return 0
	}
	return w.EndMillis - w.StartMillis
}

// PromoteMillis auto-promotes a seconds-scale timestamp to milliseconds.
// Values in (1e9, 1e10) are plausible epoch seconds; anything at or above
// 1e10 is already milliseconds.
func PromoteMillis(t int64) int64 {
	if t > 1_000_000_000 && t < 10_000_000_000 {
		return t * 1000
	}
	return t
}

// Normalized returns the window with both bounds promoted to milliseconds.
func (w TimeWindow) Normalized() TimeWindow {
	return TimeWindow{
		StartMillis: PromoteMillis(w.StartMillis),
		EndMillis:   PromoteMillis(w.EndMillis),
	}
}

// ValidWindow reports whether start ≤ end, treating 0 as unbounded.
func (w TimeWindow) ValidWindow() bool {
	n := w.Normalized()
	if n.StartMillis == 0 || n.EndMillis == 0 {
		return true
	}
	return n.StartMillis <= n.EndMillis
}
