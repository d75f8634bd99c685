package transport

import (
	"fmt"
	"math/rand"
	"time"
)

// bbr2Mode is one of the BBRv2 state-machine states.
// https://www.rfc-editor.org/rfc/rfc9002.html (BBR is not RFC 9002, but this
// implementation is the pluggable alternative described alongside it).
type bbr2Mode uint8

const (
	bbr2Startup bbr2Mode = iota
	bbr2Drain
	bbr2ProbeBWDown
	bbr2ProbeBWCruise
	bbr2ProbeBWRefill
	bbr2ProbeBWUp
	bbr2ProbeRTT
)

var bbr2ModeNames = [...]string{
	bbr2Startup:        "startup",
	bbr2Drain:          "drain",
	bbr2ProbeBWDown:    "probe_bw_down",
	bbr2ProbeBWCruise:  "probe_bw_cruise",
	bbr2ProbeBWRefill:  "probe_bw_refill",
	bbr2ProbeBWUp:      "probe_bw_up",
	bbr2ProbeRTT:       "probe_rtt",
}

func (m bbr2Mode) String() string {
	return bbr2ModeNames[m]
}

const (
	bbr2StartupPacingGain   = 2.89
	bbr2StartupCwndGain     = 2.89
	bbr2DrainPacingGain     = 0.5
	bbr2DrainCwndGain       = 2.89
	bbr2ProbeBWDownPacing   = 0.9
	bbr2ProbeBWCruisePacing = 1.0
	bbr2ProbeBWRefillPacing = 1.0
	bbr2ProbeBWUpPacing     = 1.25
	bbr2ProbeBWCwndGain     = 2.0
	bbr2ProbeBWUpCwndGain   = 2.25
	bbr2ProbeRTTPacingGain  = 1.0
	bbr2ProbeRTTCwndGain    = 0.5

	// kMaxBwFilterLen: the bandwidth filter keeps the max sample seen
	// across this many ProbeBW cycles.
	bbr2MaxBwFilterLen = 2
	// kMinRttFilterLen
	bbr2MinRTTFilterLen = 10 * time.Second

	bbr2ProbeRTTInterval = 5 * time.Second
	bbr2ProbeRTTDuration = 200 * time.Millisecond

	// Startup exits to Drain if the bandwidth filter fails to grow by at
	// least this factor across bbr2StartupFullBwRounds consecutive rounds.
	bbr2StartupGrowthTarget = 1.25
	bbr2StartupFullBwRounds = 3

	// Sustained loss exit from Startup: >=2% loss across a round with
	// >=6 loss events.
	bbr2LossThresholdPercent       = 2
	bbr2MinLossEventsForFullBwExit = 6

	bbr2LossThreshold = 0.02
	bbr2Beta          = 0.7 // inflightLo multiplicative decrease on loss rounds.

	kMinCwndInMssForBbr = 4

	bbr2CycleMinWait = 2 * time.Second
	bbr2CycleMaxWait = 3 * time.Second
)

// bbr2Controller is the BBRv2 reference congestion controller: a windowed
// max-bandwidth filter and a min-RTT filter drive a Startup/Drain/ProbeBW/
// ProbeRTT state machine whose pacing and cwnd gains bound how far ahead of
// the estimated bandwidth-delay product the sender is allowed to run.
type bbr2Controller struct {
	mode bbr2Mode

	maxDatagramSize uint64
	minCwnd         uint64
	sendQuantum     uint64

	bytesInFlightV uint64
	appLimited     bool

	// Bandwidth filter: max delivery-rate sample (bytes/sec) observed in
	// each of the last bbr2MaxBwFilterLen+1 ProbeBW cycles; a new bucket
	// starts on each entry to ProbeBW_Down.
	bwSamples  [bbr2MaxBwFilterLen + 1]uint64
	bwWindow   int
	maxBwSeen  uint64

	// min-RTT filter.
	minRTT          time.Duration
	minRTTTimestamp time.Time

	roundCount      uint64
	startupRoundsNoGrowth int
	lossEventsThisRound   int
	bytesLostThisRound    uint64
	bytesAckedThisRound   uint64
	fullBandwidthReached  bool

	cwnd       uint64
	inflightHi uint64
	inflightLo uint64

	cycleStart   time.Time
	cycleWait    time.Duration
	probeUpRound int

	probeRTTDeadline     time.Time
	probeRTTDone         time.Time
	lastProbeRTTAt       time.Time
	priorCwndBeforeProbe uint64

	rng *rand.Rand
}

func newBbr2Controller(cfg *Config) *bbr2Controller {
	maxDatagramSize := uint64(initialMaxDatagramSize)
	initWnd := cfg.InitialCongestionWindowInMss
	if initWnd == 0 {
		initWnd = initialWindowPackets
	}
	minWnd := cfg.MinimumCongestionWindowInMss
	if minWnd == 0 {
		minWnd = kMinCwndInMssForBbr
	}
	now := time.Now()
	s := &bbr2Controller{
		mode:            bbr2Startup,
		maxDatagramSize: maxDatagramSize,
		minCwnd:         minWnd * maxDatagramSize,
		sendQuantum:     maxDatagramSize,
		cwnd:            initWnd * maxDatagramSize,
		inflightHi:      maxUint64,
		inflightLo:      maxUint64,
		cycleStart:      now,
		lastProbeRTTAt:  now,
		rng:             rand.New(rand.NewSource(now.UnixNano())),
	}
	return s
}

func (s *bbr2Controller) onPacketSent(sentBytes uint64, sentTime time.Time, ackEliciting bool) {
	s.bytesInFlightV += sentBytes
}

func (s *bbr2Controller) onPacketDiscarded(sentBytes uint64) {
	if s.bytesInFlightV > sentBytes {
		s.bytesInFlightV -= sentBytes
	} else {
		s.bytesInFlightV = 0
	}
}

// onPacketAckOrLoss is one BBR "round": it updates the bandwidth and min-RTT
// filters from the acked batch, folds losses into inflightHi/inflightLo, and
// advances the state machine.
func (s *bbr2Controller) onPacketAckOrLoss(acked, lost []*sentPacket, now time.Time, latestRTT time.Duration, hasRTTSample bool) {
	var ackedBytes, lostBytes uint64
	for _, p := range acked {
		ackedBytes += p.sentBytes
		if s.bytesInFlightV > p.sentBytes {
			s.bytesInFlightV -= p.sentBytes
		} else {
			s.bytesInFlightV = 0
		}
	}
	for _, p := range lost {
		lostBytes += p.sentBytes
		if s.bytesInFlightV > p.sentBytes {
			s.bytesInFlightV -= p.sentBytes
		} else {
			s.bytesInFlightV = 0
		}
	}
	if ackedBytes == 0 && lostBytes == 0 {
		return
	}
	s.roundCount++
	s.bytesAckedThisRound += ackedBytes
	s.bytesLostThisRound += lostBytes
	if len(lost) > 0 {
		s.lossEventsThisRound++
	}

	if hasRTTSample && latestRTT > 0 {
		if s.minRTT == 0 || latestRTT < s.minRTT || now.Sub(s.minRTTTimestamp) > bbr2MinRTTFilterLen {
			s.minRTT = latestRTT
			s.minRTTTimestamp = now
		}
		if ackedBytes > 0 {
			sample := uint64(float64(ackedBytes) / latestRTT.Seconds())
			s.addBandwidthSample(sample)
		}
	}

	if lostBytes > 0 {
		s.onLossRound(ackedBytes, lostBytes)
	}

	s.advanceState(now)
	s.updateCwnd()
}

func (s *bbr2Controller) addBandwidthSample(sample uint64) {
	if sample > s.bwSamples[s.bwWindow] {
		s.bwSamples[s.bwWindow] = sample
	}
	max := uint64(0)
	for _, v := range s.bwSamples {
		if v > max {
			max = v
		}
	}
	s.maxBwSeen = max
}

// rotateBandwidthWindow advances to a new ProbeBW-cycle bucket in the
// windowed max filter, as RFC-draft BBRv2 does at the top of each cycle.
func (s *bbr2Controller) rotateBandwidthWindow() {
	s.bwWindow = (s.bwWindow + 1) % len(s.bwSamples)
	s.bwSamples[s.bwWindow] = 0
}

// onLossRound lowers inflightHi/inflightLo when the loss rate in this round
// exceeds the BBRv2 loss threshold. It never raises them; inflightHi is
// reset to unlimited when ProbeBW_Refill moves to ProbeBW_Up.
func (s *bbr2Controller) onLossRound(ackedBytes, lostBytes uint64) {
	total := ackedBytes + lostBytes
	if total == 0 {
		return
	}
	lossRate := float64(lostBytes) / float64(total)
	inflight := s.bytesInFlightV + ackedBytes + lostBytes
	if lossRate > bbr2LossThreshold {
		if inflight < s.inflightHi || s.inflightHi == maxUint64 {
			s.inflightHi = inflight
		}
		newLo := uint64(float64(s.inflightLo) * bbr2Beta)
		if s.inflightLo == maxUint64 || newLo < inflight {
			if newLo > inflight {
				s.inflightLo = newLo
			} else {
				s.inflightLo = inflight
			}
		}
	}
}

func (s *bbr2Controller) bdp(gain float64) uint64 {
	if s.minRTT <= 0 || s.maxBwSeen == 0 {
		return s.cwnd
	}
	bdp := float64(s.maxBwSeen) * s.minRTT.Seconds()
	return uint64(bdp * gain)
}

func (s *bbr2Controller) quantizedTarget(gain float64) uint64 {
	target := s.bdp(gain)
	budget := 3 * s.sendQuantum
	target += budget
	if target < s.minCwnd {
		target = s.minCwnd
	}
	return target
}

func (s *bbr2Controller) pacingGain() float64 {
	switch s.mode {
	case bbr2Startup:
		return bbr2StartupPacingGain
	case bbr2Drain:
		return bbr2DrainPacingGain
	case bbr2ProbeBWDown:
		return bbr2ProbeBWDownPacing
	case bbr2ProbeBWCruise:
		return bbr2ProbeBWCruisePacing
	case bbr2ProbeBWRefill:
		return bbr2ProbeBWRefillPacing
	case bbr2ProbeBWUp:
		return bbr2ProbeBWUpPacing
	case bbr2ProbeRTT:
		return bbr2ProbeRTTPacingGain
	}
	return 1.0
}

func (s *bbr2Controller) cwndGain() float64 {
	switch s.mode {
	case bbr2Startup:
		return bbr2StartupCwndGain
	case bbr2Drain:
		return bbr2DrainCwndGain
	case bbr2ProbeBWUp:
		return bbr2ProbeBWUpCwndGain
	case bbr2ProbeRTT:
		return bbr2ProbeRTTCwndGain
	default: // Down, Cruise, Refill
		return bbr2ProbeBWCwndGain
	}
}

func (s *bbr2Controller) updateCwnd() {
	target := s.quantizedTarget(s.cwndGain())
	if s.inflightHi != maxUint64 && target > s.inflightHi {
		target = s.inflightHi
	}
	if target < s.minCwnd {
		target = s.minCwnd
	}
	s.cwnd = target
}

// advanceState runs the Startup -> Drain -> ProbeBW -> ProbeRTT cycle
// described in the BBRv2 gain table.
func (s *bbr2Controller) advanceState(now time.Time) {
	switch s.mode {
	case bbr2Startup:
		if s.startupShouldExit() {
			s.mode = bbr2Drain
		}
	case bbr2Drain:
		bdp := s.bdp(1.0)
		if s.bytesInFlightV <= bdp {
			s.enterProbeBWDown(now)
		}
	case bbr2ProbeBWDown, bbr2ProbeBWCruise, bbr2ProbeBWRefill, bbr2ProbeBWUp:
		s.advanceProbeBW(now)
	case bbr2ProbeRTT:
		if !s.probeRTTDeadline.IsZero() && now.After(s.probeRTTDeadline) {
			s.exitProbeRTT()
		}
		return
	}
	// Re-entrant check: any mode other than ProbeRTT can be interrupted to
	// re-measure min-RTT once it has gone stale.
	if s.mode != bbr2ProbeRTT && now.Sub(s.minRTTTimestamp) >= bbr2ProbeRTTInterval && !s.minRTTTimestamp.IsZero() {
		s.enterProbeRTT(now)
	}
}

func (s *bbr2Controller) startupShouldExit() bool {
	if s.maxBwSeen > 0 {
		growthTarget := uint64(float64(s.maxBwSeen) / bbr2StartupGrowthTarget)
		if s.maxBwSeen <= growthTarget {
			s.startupRoundsNoGrowth++
		} else {
			s.startupRoundsNoGrowth = 0
		}
		if s.startupRoundsNoGrowth >= bbr2StartupFullBwRounds {
			s.fullBandwidthReached = true
			return true
		}
	}
	if s.bytesAckedThisRound+s.bytesLostThisRound > 0 {
		lossRate := float64(s.bytesLostThisRound) / float64(s.bytesAckedThisRound+s.bytesLostThisRound)
		if lossRate*100 >= bbr2LossThresholdPercent && s.lossEventsThisRound >= bbr2MinLossEventsForFullBwExit {
			return true
		}
	}
	return false
}

func (s *bbr2Controller) enterProbeBWDown(now time.Time) {
	s.mode = bbr2ProbeBWDown
	s.rotateBandwidthWindow()
	s.startCycle(now)
}

func (s *bbr2Controller) startCycle(now time.Time) {
	s.cycleStart = now
	waitRange := bbr2CycleMaxWait - bbr2CycleMinWait
	s.cycleWait = bbr2CycleMinWait + time.Duration(s.rng.Int63n(int64(waitRange)+1))
	s.probeUpRound = s.rng.Intn(2) // randomized 0-1 initial rounds
}

func (s *bbr2Controller) advanceProbeBW(now time.Time) {
	elapsed := now.Sub(s.cycleStart)
	switch s.mode {
	case bbr2ProbeBWDown:
		if elapsed >= s.cycleWait {
			s.mode = bbr2ProbeBWCruise
			s.cycleStart = now
		}
	case bbr2ProbeBWCruise:
		if elapsed >= s.cycleWait {
			s.mode = bbr2ProbeBWRefill
			s.cycleStart = now
		}
	case bbr2ProbeBWRefill:
		if int(s.roundCount)%4 >= s.probeUpRound {
			s.mode = bbr2ProbeBWUp
			s.cycleStart = now
			s.inflightHi = maxUint64 // allow probing above the old cap
		}
	case bbr2ProbeBWUp:
		if elapsed >= s.cycleWait {
			s.enterProbeBWDown(now)
		}
	}
}

func (s *bbr2Controller) enterProbeRTT(now time.Time) {
	s.mode = bbr2ProbeRTT
	s.priorCwndBeforeProbe = s.cwnd
	s.probeRTTDeadline = now.Add(bbr2ProbeRTTDuration)
	s.lastProbeRTTAt = now
}

func (s *bbr2Controller) exitProbeRTT() {
	s.minRTTTimestamp = s.lastProbeRTTAt
	s.probeRTTDeadline = time.Time{}
	if s.fullBandwidthReached {
		s.mode = bbr2ProbeBWCruise
	} else {
		s.mode = bbr2Startup
	}
}

func (s *bbr2Controller) getWritableBytes() uint64 {
	cwnd := s.cwnd
	if s.bytesInFlightV >= cwnd {
		return 0
	}
	return cwnd - s.bytesInFlightV
}

func (s *bbr2Controller) getCongestionWindow() uint64 {
	return s.cwnd
}

func (s *bbr2Controller) getBandwidth() uint64 {
	return s.maxBwSeen
}

func (s *bbr2Controller) isAppLimited() bool {
	return s.appLimited
}

func (s *bbr2Controller) setAppLimited(limited bool) {
	s.appLimited = limited
}

func (s *bbr2Controller) collapseWindow() {
	s.cwnd = s.minCwnd
	s.inflightHi = maxUint64
	s.inflightLo = maxUint64
}

func (s *bbr2Controller) bytesInFlight() uint64 {
	return s.bytesInFlightV
}

func (s *bbr2Controller) log(b []byte) []byte {
	b = appendField(b, "congestion_window", s.cwnd)
	b = appendField(b, "bytes_in_flight", s.bytesInFlightV)
	b = appendField(b, "pacing_rate", s.getBandwidth())
	b = appendField(b, "bbr2_state", s.mode.String())
	return b
}

func (s *bbr2Controller) String() string {
	return fmt.Sprintf("bbr2_mode=%v cwnd=%v bytes_in_flight=%v max_bandwidth=%v min_rtt=%v inflight_hi=%v inflight_lo=%v",
		s.mode, s.cwnd, s.bytesInFlightV, s.maxBwSeen, s.minRTT, s.inflightHi, s.inflightLo)
}
