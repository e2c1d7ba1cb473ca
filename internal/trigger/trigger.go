package trigger

import "time"

// Next returns the earliest fire time strictly after the reference instant,
// or ok=false when the schedule has no further occurrences (a one-shot that
// already fired, or an Until-bounded schedule exhausted).
//
// Cron evaluation delegates to robfig/cron, which resolves DST transitions
// deterministically (an ambiguous local time maps to its earlier valid
// instant). Intervals count in absolute time from the anchor, so a stalled
// loop catching up sees exactly one next occurrence, never a backlog.
func (s Spec) Next(after time.Time) (time.Time, bool) {
	var next time.Time

	switch s.Kind {
	case SpecOnce:
		if s.At.IsZero() || !s.At.After(after) {
			return time.Time{}, false
		}
		next = s.At

	case SpecInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		// Occurrences are anchor + k*Every (k >= 0). With no anchor, the
		// first occurrence is one full interval past the reference instant.
		anchor := s.Anchor
		switch {
		case anchor.IsZero():
			next = after.Add(s.Every)
		case anchor.After(after):
			next = anchor
		default:
			n := after.Sub(anchor)/s.Every + 1
			next = anchor.Add(n * s.Every)
			// Guard against boundary rounding: Next must be strictly after.
			for !next.After(after) {
				next = next.Add(s.Every)
			}
		}

	case SpecCron:
		if s.sched == nil {
			return time.Time{}, false
		}
		next = s.sched.Next(after)
		if next.IsZero() {
			return time.Time{}, false
		}

	default:
		return time.Time{}, false
	}

	if !s.Until.IsZero() && next.After(s.Until) {
		return time.Time{}, false
	}
	return next, true
}
