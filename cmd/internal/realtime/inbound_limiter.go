package realtime

import "time"

// inboundLimiter counts client frames in fixed windows. It is owned by a
// single read loop and needs no locking.
type inboundLimiter struct {
	limit  int
	window time.Duration

	start time.Time
	count int
}

func newInboundLimiter(limit int, window time.Duration) *inboundLimiter {
	return &inboundLimiter{limit: limit, window: window}
}

func (l *inboundLimiter) allow(now time.Time) bool {
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
