package transport

import "time"

// pacer spreads packet emission out over a round trip instead of sending
// the full congestion window back to back, smoothing out the bursts that
// would otherwise overflow router queues. It is a token-bucket keyed off
// the congestion controller's bandwidth estimate: every tick it is granted
// bandwidth*elapsed bytes, up to a small burst allowance, and onPacketSent
// withdraws from that budget.
//
// Rather than blocking the caller, exhausting the budget is surfaced as a
// deadline through nextRelease so the connection can fold it into Timeout
// and let the executor arm a single timer.
type pacer struct {
	enabled      bool
	tickInterval time.Duration
	maxBurst     uint64

	budget     int64
	lastRefill time.Time
}

func (p *pacer) init(cfg *Config) {
	p.enabled = cfg.PacingEnabled
	p.tickInterval = cfg.PacingTickInterval
	if p.tickInterval <= 0 {
		p.tickInterval = time.Millisecond
	}
	p.maxBurst = 2 * initialMaxDatagramSize
	p.budget = int64(p.maxBurst)
}

func (p *pacer) setMaxBurst(maxDatagramSize uint64) {
	p.maxBurst = 2 * maxDatagramSize
	if p.budget > int64(p.maxBurst) {
		p.budget = int64(p.maxBurst)
	}
}

// refill grants the pacer bytes earned since the last call, at the given
// pacing rate. A zero rate means the controller has no bandwidth estimate
// yet, so the budget is topped up and pacing has no effect for this burst.
func (p *pacer) refill(now time.Time, pacingRate uint64) {
	if p.lastRefill.IsZero() {
		p.lastRefill = now
		return
	}
	if pacingRate == 0 {
		p.budget = int64(p.maxBurst)
		p.lastRefill = now
		return
	}
	elapsed := now.Sub(p.lastRefill)
	if elapsed <= 0 {
		return
	}
	granted := int64(float64(pacingRate) * elapsed.Seconds())
	if granted <= 0 {
		return
	}
	p.budget += granted
	if p.budget > int64(p.maxBurst) {
		p.budget = int64(p.maxBurst)
	}
	p.lastRefill = now
}

// maxBytesThisBurst returns how many bytes may be sent right now without
// exceeding the pacing rate. Once the budget is spent it returns 0, so no
// packet is sent until a later refill; nextRelease reports when that is.
func (p *pacer) maxBytesThisBurst(now time.Time, pacingRate uint64) uint64 {
	if !p.enabled {
		return maxUint64
	}
	p.refill(now, pacingRate)
	if p.budget <= 0 {
		return 0
	}
	return uint64(p.budget)
}

func (p *pacer) onPacketSent(sentBytes uint64, now time.Time) {
	if !p.enabled {
		return
	}
	if p.lastRefill.IsZero() {
		p.lastRefill = now
	}
	p.budget -= int64(sentBytes)
}

// nextRelease reports when the pacer will next allow a full-size packet to
// be sent, or the zero time if it already would. A zero pacingRate means
// the congestion controller cannot yet estimate bandwidth, in which case
// pacing should not hold back sending.
func (p *pacer) nextRelease(now time.Time, pacingRate uint64, maxDatagramSize uint64) time.Time {
	if !p.enabled || pacingRate == 0 {
		return time.Time{}
	}
	if p.budget >= int64(maxDatagramSize) {
		return time.Time{}
	}
	deficit := int64(maxDatagramSize) - p.budget
	wait := time.Duration(float64(deficit) / float64(pacingRate) * float64(time.Second))
	if wait < p.tickInterval {
		wait = p.tickInterval
	}
	return now.Add(wait)
}
