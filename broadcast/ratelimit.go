package broadcast

import (
	"time"

	"golang.org/x/time/rate"
)

// frameGate admits at most one frame per interval. Rejected frames are
// dropped by the caller, never queued.
type frameGate struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newFrameGate(interval time.Duration, now func() time.Time) *frameGate {
	return &frameGate{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     now,
	}
}

func (g *frameGate) allow() bool {
	return g.limiter.AllowN(g.now(), 1)
}
