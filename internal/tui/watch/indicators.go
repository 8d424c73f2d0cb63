package watch

import (
	"strings"
	"time"
)

// Heartbeat follows scheduler ticks on the event stream. The expected
// interval is learned from the gap between the last two ticks.
type Heartbeat struct {
	beats    int
	last     time.Time
	interval time.Duration
}

func (h *Heartbeat) Beat(at time.Time) {
	if !h.last.IsZero() && at.After(h.last) {
		h.interval = at.Sub(h.last)
	}
	h.last = at
	h.beats++
}

// Glyph alternates on every beat so the header visibly pulses.
func (h Heartbeat) Glyph() string {
	if h.beats%2 == 1 {
		return "♥"
	}
	return "♡"
}

// Stalled is true once three learned intervals (or fallback, before two
// ticks have been seen) pass without a tick. No ticks at all is not a stall.
func (h Heartbeat) Stalled(now time.Time, fallback time.Duration) bool {
	if h.last.IsZero() {
		return false
	}
	limit := fallback
	if h.interval > 0 {
		limit = 3 * h.interval
	}
	return now.Sub(h.last) > limit
}

// sparkBars are ordered from idle to busiest.
var sparkBars = []rune("▁▂▃▄▅▆▇█")

// Activity counts events per second over a sliding window and renders them
// as a sparkline.
type Activity struct {
	buckets []int
	head    time.Time // second of buckets[len-1]
	last    time.Time
}

func NewActivity(window int) Activity {
	return Activity{buckets: make([]int, window)}
}

func (a *Activity) Record(at time.Time) {
	a.Advance(at)
	a.buckets[len(a.buckets)-1]++
	a.last = at
}

// Advance shifts the window so its newest bucket is the second containing now.
func (a *Activity) Advance(now time.Time) {
	sec := now.Truncate(time.Second)
	if a.head.IsZero() {
		a.head = sec
		return
	}
	shift := int(sec.Sub(a.head) / time.Second)
	if shift <= 0 {
		return
	}
	n := len(a.buckets)
	if shift >= n {
		clear(a.buckets)
	} else {
		copy(a.buckets, a.buckets[shift:])
		clear(a.buckets[n-shift:])
	}
	a.head = sec
}

func (a Activity) Total() int {
	total := 0
	for _, c := range a.buckets {
		total += c
	}
	return total
}

func (a Activity) LastEvent() time.Time {
	return a.last
}

// Sparkline scales each bucket against the window's busiest second.
func (a Activity) Sparkline(theme Theme) string {
	peak := 0
	for _, c := range a.buckets {
		peak = max(peak, c)
	}
	var b strings.Builder
	for _, c := range a.buckets {
		if c == 0 {
			b.WriteString(theme.TickerInactive.Render(string(sparkBars[0])))
			continue
		}
		idx := (c*len(sparkBars) - 1) / peak
		b.WriteString(theme.TickerActive.Render(string(sparkBars[idx])))
	}
	return b.String()
}
