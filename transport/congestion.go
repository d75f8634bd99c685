package transport

import (
	"fmt"
	"math"
	"time"
)

const (
	// Endpoints should use an initial congestion window of 10 times the maximum datagram size,
	// limited to the larger of 14720 or twice the maximum datagram size
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-7.2
	initialMaxDatagramSize = 1472
	initialWindowPackets   = 10
	// The minimum congestion window is the smallest value the congestion window can decrease
	// to as a response to loss. The recommended value is 2 * max_datagram_size.
	minimumWindowPackets = 2

	// Reduction in congestion window when a new loss event is detected.
	// NOTE: The value in spec is 0.5, but used as "x/2" here to avoid casting to float.
	lossReductionFactor = 2
)

// congestionController is the pluggable congestion-control interface the rest
// of the core consumes. lossRecovery drives it with sent/acked/lost packet
// events and queries it when building the next packet; it never inspects a
// controller's internal state directly.
//
// Two implementations exist: renoCubicController (this file, the default) and
// bbr2Controller (bbr2.go).
type congestionController interface {
	onPacketSent(sentBytes uint64, sentTime time.Time, ackEliciting bool)
	onPacketAckOrLoss(acked, lost []*sentPacket, now time.Time, latestRTT time.Duration, hasRTTSample bool)
	onPacketDiscarded(sentBytes uint64)

	getWritableBytes() uint64
	getCongestionWindow() uint64
	getBandwidth() uint64 // bytes per second, 0 if unknown
	isAppLimited() bool
	setAppLimited(limited bool)

	collapseWindow()
	bytesInFlight() uint64

	log(b []byte) []byte
	String() string
}

// newCongestionController selects an implementation by cfg.CongestionControl.
// An unrecognized or empty value falls back to the Reno/CUBIC/PRR default.
func newCongestionController(cfg *Config) congestionController {
	switch cfg.CongestionControl {
	case "bbr2", "bbrv2", "bbr":
		return newBbr2Controller(cfg)
	default:
		return newRenoCubicController(cfg)
	}
}

// renoCubicController implements RFC 9002 Appendix B congestion control,
// with CUBIC (RFC 8312) window growth in congestion avoidance and PRR
// (RFC 6937) governing how fast loss recovery re-fills the pipe.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.2
type renoCubicController struct {
	state congestionState
	cubic cubic
	prr   proportionalRateReduction

	enableCubic bool
	enablePRR   bool
	appLimited  bool

	bandwidthEstimate uint64
}

func newRenoCubicController(cfg *Config) *renoCubicController {
	s := &renoCubicController{enableCubic: true, enablePRR: true}
	s.state.init(cfg)
	s.cubic.init(&s.state)
	s.prr.init(&s.state)
	return s
}

func (s *renoCubicController) onPacketSent(sentBytes uint64, sentTime time.Time, ackEliciting bool) {
	if s.enableCubic {
		s.cubic.onPacketSent(sentBytes, sentTime)
	}
	if s.enablePRR {
		s.prr.onPacketSent(sentBytes)
	}
	s.state.bytesInFlight += sentBytes
	s.state.lastSentTime = sentTime
}

// onPacketAckOrLoss folds RFC 9002's onPacketsAcked/onCongestionEvent pair into
// a single call: losses (if any) are processed first so that an ACK covering
// packets sent after the loss does not reopen the window prematurely.
func (s *renoCubicController) onPacketAckOrLoss(acked, lost []*sentPacket, now time.Time, latestRTT time.Duration, hasRTTSample bool) {
	for _, p := range lost {
		s.onPacketLost(p.sentBytes)
	}
	if len(lost) > 0 {
		largest := lost[len(lost)-1]
		s.onCongestionEvent(largest.timeSent, now)
	}
	for _, p := range acked {
		s.onPacketAcked(p.sentBytes, p.timeSent, latestRTT, now)
	}
	if hasRTTSample && latestRTT > 0 {
		cwnd := s.getCongestionWindow()
		s.bandwidthEstimate = uint64(float64(cwnd) / latestRTT.Seconds())
	}
	debug("congestion packet acked or lost: %v", s)
}

func (s *renoCubicController) onPacketLost(sentBytes uint64) {
	if s.state.bytesInFlight > sentBytes {
		s.state.bytesInFlight -= sentBytes
	} else {
		s.state.bytesInFlight = 0
	}
	if s.enablePRR {
		// PRR needs onPacketAcked's delivered accounting only; loss itself
		// just drains bytesInFlight above.
	}
}

func (s *renoCubicController) onPacketAcked(sentBytes uint64, sentTime time.Time, rtt time.Duration, now time.Time) {
	if s.state.bytesInFlight > sentBytes {
		s.state.bytesInFlight -= sentBytes
	} else {
		s.state.bytesInFlight = 0
	}
	if s.state.inRecovery(sentTime) {
		if s.enablePRR {
			s.prr.onPacketAcked(sentBytes)
		}
		return
	}
	if s.appLimited || s.state.isAppLimited() {
		debug("application limited on packet acked: %v", s)
		return
	}
	if s.enableCubic {
		s.cubic.onPacketAcked(sentBytes, rtt, now)
	} else {
		s.renoOnPacketAcked(sentBytes)
	}
}

func (s *renoCubicController) onPacketDiscarded(sentBytes uint64) {
	s.onPacketLost(sentBytes)
}

// onCongestionEvent may start a new recovery period and reduces the
// congestion window. https://www.rfc-editor.org/rfc/rfc9002.html#section-b.6
func (s *renoCubicController) onCongestionEvent(sentTime, now time.Time) {
	if s.state.inRecovery(sentTime) {
		return
	}
	s.state.recoveryStartTime = now
	if s.enableCubic {
		s.cubic.onCongestionEvent()
	} else {
		s.renoOnCongestionEvent()
	}
	if s.enablePRR {
		s.prr.onCongestionEvent()
	}
	debug("congestion event: %v", s)
}

func (s *renoCubicController) getWritableBytes() uint64 {
	cwnd := s.getCongestionWindow()
	if cwnd > s.state.bytesInFlight {
		return cwnd - s.state.bytesInFlight
	}
	return 0
}

func (s *renoCubicController) getCongestionWindow() uint64 {
	if s.enablePRR {
		return s.state.congestionWindow + s.prr.sndCnt
	}
	return s.state.congestionWindow
}

func (s *renoCubicController) getBandwidth() uint64 {
	return s.bandwidthEstimate
}

func (s *renoCubicController) isAppLimited() bool {
	return s.appLimited || s.state.isAppLimited()
}

func (s *renoCubicController) setAppLimited(limited bool) {
	s.appLimited = limited
}

func (s *renoCubicController) collapseWindow() {
	s.state.congestionWindow = s.state.minimumWindow
	s.state.recoveryStartTime = time.Time{}
}

func (s *renoCubicController) bytesInFlight() uint64 {
	return s.state.bytesInFlight
}

func (s *renoCubicController) setMaxDatagramSize(maxDatagramSize uint64) {
	if s.state.congestionWindow == initialWindowPackets*s.state.maxDatagramSize {
		// Only update congestion window when it has not been updated.
		s.state.congestionWindow = initialWindowPackets * maxDatagramSize
	}
	s.state.maxDatagramSize = maxDatagramSize
}

// Reno (default fallback when CUBIC is disabled)

func (s *renoCubicController) renoOnCongestionEvent() {
	s.state.slowStartThreshold = s.state.congestionWindow / lossReductionFactor
	if s.state.slowStartThreshold < s.state.minimumWindow {
		s.state.slowStartThreshold = s.state.minimumWindow
	}
	s.state.congestionWindow = s.state.slowStartThreshold
}

func (s *renoCubicController) renoOnPacketAcked(sentBytes uint64) {
	if s.state.isSlowStart() {
		s.state.congestionWindow += sentBytes
	} else {
		s.state.congestionWindow += s.state.maxDatagramSize * sentBytes / s.state.congestionWindow
	}
}

func (s *renoCubicController) log(b []byte) []byte {
	b = appendField(b, "congestion_window", s.getCongestionWindow())
	b = appendField(b, "bytes_in_flight", s.state.bytesInFlight)
	if s.state.slowStartThreshold != maxUint64 {
		b = appendField(b, "ssthresh", s.state.slowStartThreshold)
	}
	return b
}

func (s *renoCubicController) String() string {
	return fmt.Sprintf("%v %v %v", &s.state, &s.cubic, &s.prr)
}

type congestionState struct {
	// maxDatagramSize is the sender's current maximum payload size.
	maxDatagramSize uint64
	// bytesInFlight is the sum of the size in bytes of all sent packets that contain at least
	// one ack-eliciting or PADDING frame, and have not been acked or declared lost.
	bytesInFlight uint64
	// congestionWindow is the maximum number of bytes-in-flight that may be sent.
	congestionWindow uint64
	// slowStartThreshold is the slow start threshold in bytes.
	slowStartThreshold uint64
	// minimumWindow is the floor congestionWindow may be collapsed to, derived
	// from Config.MinimumCongestionWindowInMss.
	minimumWindow uint64
	// recoveryStartTime is the time when QUIC first detects congestion due to loss or ECN,
	// causing it to enter congestion recovery. When a packet sent after this time is acknowledged,
	// QUIC exits congestion recovery.
	recoveryStartTime time.Time
	lastSentTime       time.Time
}

func (s *congestionState) init(cfg *Config) {
	initWnd := cfg.InitialCongestionWindowInMss
	if initWnd == 0 {
		initWnd = initialWindowPackets
	}
	minWnd := cfg.MinimumCongestionWindowInMss
	if minWnd == 0 {
		minWnd = minimumWindowPackets
	}
	s.maxDatagramSize = initialMaxDatagramSize
	s.congestionWindow = initWnd * s.maxDatagramSize
	s.minimumWindow = minWnd * s.maxDatagramSize
	s.slowStartThreshold = maxUint64
}

func (s *congestionState) inRecovery(sentTime time.Time) bool {
	return !s.recoveryStartTime.IsZero() && !sentTime.After(s.recoveryStartTime)
}

func (s *congestionState) isSlowStart() bool {
	return s.congestionWindow < s.slowStartThreshold
}

// isAppLimited indicates application limited or flow control limited.
func (s *congestionState) isAppLimited() bool {
	if s.bytesInFlight >= s.congestionWindow {
		return false
	}
	if s.isSlowStart() {
		return s.bytesInFlight < s.congestionWindow/lossReductionFactor
	}
	// Allow a burst of 10 packets.
	return s.bytesInFlight+initialWindowPackets*s.maxDatagramSize < s.congestionWindow
}

func (s *congestionState) String() string {
	return fmt.Sprintf("congestion_window=%v bytes_in_flight=%v max_datagram_size=%v ssthresh=%v recovery_start_time=%v",
		s.congestionWindow, s.bytesInFlight, s.maxDatagramSize, s.slowStartThreshold, s.recoveryStartTime)
}

// CUBIC

const (
	// Multiplicative decrease factor.
	// The value is 0.7 but is multiplied by 10 for integer arithmetic.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.5
	cubicTenTimesBeta = 7
	// Scale constant that determines the aggressiveness of window increase.
	// The value is 0.4 but is multiplied by 10 for integer arithmetic.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-5.1
	cubicTenTimesC = 4
)

// https://www.rfc-editor.org/rfc/rfc8312.html
type cubic struct {
	state *congestionState

	// The time period it takes to increase the congestion window size at
	// the beginning of the current congestion avoidance stage to W_max.
	k time.Duration
	// Window size just before the window is reduced in the last congestion event.
	windowMax     uint64
	windowLastMax uint64

	priorRecoveryStartTime  time.Time
	priorK                  time.Duration
	priorCongestionWindow   uint64
	priorSlowStartThreshold uint64
	priorWindowMax          uint64
}

func (s *cubic) init(state *congestionState) {
	s.state = state
}

func (s *cubic) onCongestionEvent() {
	// Save previous state in case the congestion is spurious.
	s.priorWindowMax = s.windowMax
	s.priorK = s.k
	s.priorSlowStartThreshold = s.state.slowStartThreshold
	s.priorCongestionWindow = s.state.congestionWindow
	s.priorRecoveryStartTime = s.state.recoveryStartTime

	// Save window size before reduction.
	s.windowMax = s.state.congestionWindow

	// Fast convergence.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.6
	if s.windowMax < s.windowLastMax {
		s.windowLastMax = s.windowMax
		s.windowMax = s.windowMax * (10 + cubicTenTimesBeta) / 20
	} else {
		s.windowLastMax = s.windowMax
	}
	// Multiplicative Decrease.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.5
	s.state.slowStartThreshold = s.state.congestionWindow * cubicTenTimesBeta / 10
	if s.state.slowStartThreshold < s.state.minimumWindow {
		s.state.slowStartThreshold = s.state.minimumWindow
	}
	s.state.congestionWindow = s.state.slowStartThreshold
	s.updateK()
}

func (s *cubic) onSpuriousCongestionEvent() {
	if s.state.congestionWindow < s.priorCongestionWindow {
		s.windowMax = s.priorWindowMax
		s.k = s.priorK
		s.state.slowStartThreshold = s.priorSlowStartThreshold
		s.state.congestionWindow = s.priorCongestionWindow
		s.state.recoveryStartTime = s.priorRecoveryStartTime
	}
}

func (s *cubic) onPacketSent(sentBytes uint64, sentTime time.Time) {
	if s.state.bytesInFlight == 0 && !s.state.lastSentTime.IsZero() && !s.state.recoveryStartTime.IsZero() {
		// First transmit when no packets in flight: shift the epoch start
		// to keep cwnd growth on the cubic curve instead of penalizing the
		// idle period.
		delta := sentTime.Sub(s.state.lastSentTime)
		if delta > 0 {
			s.state.recoveryStartTime = s.state.recoveryStartTime.Add(delta)
		}
	}
}

func (s *cubic) onPacketAcked(sentBytes uint64, rtt time.Duration, now time.Time) {
	if s.state.isSlowStart() {
		s.state.congestionWindow += sentBytes
		return
	}
	// Congestion avoidance.
	timeInCA := now.Sub(s.state.recoveryStartTime)
	windowCubic := s.computeWCubic(timeInCA + rtt)
	windowEst := s.computeWEst(timeInCA, rtt)
	if windowCubic < windowEst {
		// TCP-Friendly region.
		// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.2
		if s.state.congestionWindow < windowEst {
			s.state.congestionWindow = windowEst
		}
	} else if s.state.congestionWindow < windowCubic {
		// Concave and convex region.
		// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.3
		s.state.congestionWindow += (windowCubic - s.state.congestionWindow) * s.state.maxDatagramSize / s.state.congestionWindow
	}
}

// K = cubic_root(W_max*(1-beta_cubic)/C)
// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.1
func (s *cubic) updateK() {
	d := float64(s.windowMax/s.state.maxDatagramSize) * (10 - cubicTenTimesBeta) / cubicTenTimesC
	s.k = time.Duration(math.Cbrt(d) * float64(time.Second))
}

// W_cubic(t) = C*(t-K)^3 + W_max
func (s *cubic) computeWCubic(t time.Duration) uint64 {
	d := float64(t-s.k) / float64(time.Second)
	d = d * d * d / 10 * cubicTenTimesC
	if d < 0 {
		return s.windowMax - uint64(-d)*s.state.maxDatagramSize
	}
	return s.windowMax + uint64(d)*s.state.maxDatagramSize
}

// W_est(t) = W_max*beta_cubic + [3*(1-beta_cubic)/(1+beta_cubic)] * (t/RTT)
func (s *cubic) computeWEst(t, rtt time.Duration) uint64 {
	if rtt <= 0 {
		rtt = time.Millisecond
	}
	d := t / (10 + cubicTenTimesBeta) * 3 * (10 - cubicTenTimesBeta) / rtt
	return s.windowMax*cubicTenTimesBeta/10 + uint64(d)*s.state.maxDatagramSize
}

func (s *cubic) String() string {
	return fmt.Sprintf("cubic_w_max=%v cubic_w_last_max=%v cubic_k=%v", s.windowMax, s.windowLastMax, s.k)
}

// Proportional Rate Reduction
// https://www.rfc-editor.org/rfc/rfc6937.html
type proportionalRateReduction struct {
	state *congestionState

	flightSize uint64 // FlightSize at the start of recovery (RecoverFS).
	delivered  uint64 // Total bytes delivered during recovery (prr_delivered).
	out        uint64 // Total bytes sent during recovery (prr_out).
	sndCnt     uint64 // Bytes that should be sent (sndcnt).
}

func (s *proportionalRateReduction) init(state *congestionState) {
	s.state = state
}

func (s *proportionalRateReduction) onCongestionEvent() {
	s.flightSize = s.state.bytesInFlight
	s.delivered = 0
	s.out = 0
	s.sndCnt = 0
}

func (s *proportionalRateReduction) onPacketSent(sentBytes uint64) {
	s.out += sentBytes
	if s.sndCnt > sentBytes {
		s.sndCnt -= sentBytes
	} else {
		s.sndCnt = 0
	}
}

func (s *proportionalRateReduction) onPacketAcked(sentBytes uint64) {
	if s.flightSize == 0 {
		return
	}
	s.delivered += sentBytes
	pipe := s.state.bytesInFlight
	ssthresh := s.state.slowStartThreshold
	if pipe > ssthresh {
		// Proportional Rate Reduction.
		// sndcnt = CEIL(prr_delivered * ssthresh / RecoverFS) - prr_out
		limit := (s.delivered*ssthresh + s.flightSize - 1) / s.flightSize
		if limit > s.out {
			s.sndCnt = limit - s.out
		} else {
			s.sndCnt = 0
		}
	} else {
		// PRR-SSRB: limit = MAX(prr_delivered - prr_out, DeliveredData) + MSS
		limit := sentBytes
		if s.delivered > s.out && limit < s.delivered-s.out {
			limit = s.delivered - s.out
		}
		limit += s.state.maxDatagramSize
		if limit > ssthresh-pipe {
			limit = ssthresh - pipe
		}
		s.sndCnt = limit
	}
}

func (s *proportionalRateReduction) String() string {
	return fmt.Sprintf("prr_flight_size=%v prr_delivered=%v prr_out=%v prr_sndcnt=%v",
		s.flightSize, s.delivered, s.out, s.sndCnt)
}
