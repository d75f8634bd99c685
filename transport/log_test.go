package transport

import (
	"testing"
	"time"
)

func TestLogConnectionState(t *testing.T) {
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	e := newLogEvent(tm, logEventStateUpdated)
	logConnectionState(&e, StateHandshake, StateActive)
	expect := "2020-01-05T00:00:00Z connectivity:connection_state_updated old=handshake new=active"
	assertLogEvent(t, e, expect)
}

func TestLogParameters(t *testing.T) {
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	p := &Parameters{
		MaxIdleTimeout:    60 * time.Second,
		MaxUDPPayloadSize: 1500,

		InitialMaxData:        1000,
		InitialMaxStreamsBidi: 10,
		InitialMaxStreamsUni:  5,

		AckDelayExponent: 3,
		MaxAckDelay:      100 * time.Millisecond,

		ActiveConnectionIDLimit: 2,
		MaxDatagramFrameSize:    1200,
		DisableActiveMigration:  true,
	}
	e := newLogEvent(tm, logEventParametersSet)
	logParameters(&e, p)
	expect := "2020-01-05T00:00:00Z recovery:parameters_set owner=remote max_idle_timeout=60000 max_udp_payload_size=1500 " +
		"initial_max_data=1000 initial_max_streams_bidi=10 initial_max_streams_uni=5 ack_delay_exponent=3 " +
		"max_ack_delay=100 active_connection_id_limit=2 max_datagram_frame_size=1200 disable_active_migration=true"
	assertLogEvent(t, e, expect)
}

func TestLogFramePadding(t *testing.T) {
	testLogFrame(t, newPaddingFrame(1), "frame_type=padding")
}

func TestLogFramePing(t *testing.T) {
	f := &pingFrame{}
	testLogFrame(t, f, "frame_type=ping")
}

func TestLogFrameAck(t *testing.T) {
	f := &ackFrame{
		largestAck:    3,
		ackDelay:      2,
		firstAckRange: 1,
	}
	testLogFrame(t, f, "frame_type=ack ack_delay=2 acked_ranges=[[2,3]]")
}

func TestLogFrameResetStream(t *testing.T) {
	f := newResetStreamFrame(1, 2, 3)
	testLogFrame(t, f, "frame_type=reset_stream stream_id=1 error_code=2 final_size=3")
}

func TestLogFrameStopSending(t *testing.T) {
	f := newStopSendingFrame(1, 2)
	testLogFrame(t, f, "frame_type=stop_sending stream_id=1 error_code=2")
}

func TestLogFrameCrypto(t *testing.T) {
	f := newCryptoFrame(make([]byte, 5), 1)
	testLogFrame(t, f, "frame_type=crypto offset=1 length=5")
}

func TestLogFrameStream(t *testing.T) {
	f := newStreamFrame(2, make([]byte, 4), 3, true)
	testLogFrame(t, f, "frame_type=stream stream_id=2 offset=3 length=4 fin=true")
}

func TestLogFrameMaxData(t *testing.T) {
	f := newMaxDataFrame(1)
	testLogFrame(t, f, "frame_type=max_data maximum=1")
}

func TestLogFrameMaxStreamData(t *testing.T) {
	f := newMaxStreamDataFrame(1, 2)
	testLogFrame(t, f, "frame_type=max_stream_data stream_id=1 maximum=2")
}

func TestLogFrameMaxStreamsBidi(t *testing.T) {
	f := newMaxStreamsFrame(1, true)
	testLogFrame(t, f, "frame_type=max_streams maximum=1 bidi=true")
}

func TestLogFrameConnectionClose(t *testing.T) {
	f := newConnectionCloseFrame(0x122, 99, []byte("reason"), false)
	testLogFrame(t, f, "frame_type=connection_close error_code=290 reason=reason")
}

func TestLogFrameDatagram(t *testing.T) {
	f := &datagramFrame{data: make([]byte, 6)}
	testLogFrame(t, f, "frame_type=datagram length=6")
}

func testLogFrame(t *testing.T, f frame, expect string) {
	tm := time.Date(2020, time.January, 5, 2, 3, 4, 5, time.UTC)
	e := newLogEvent(tm, logEventFramesProcessed)
	logFrame(&e, f)
	expect = "2020-01-05T02:03:04Z transport:frames_processed " + expect
	assertLogEvent(t, e, expect)
}

func TestLogPacket(t *testing.T) {
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	p := &packet{
		typ: packetTypeHandshake,
		header: Header{
			Version: 1,
			DCID:    []byte{1, 2, 3},
			SCID:    []byte{4, 5},
		},
		packetNumber: 1,
		payloadLen:   10,
		packetSize:   20,
	}
	e := newLogEvent(tm, logEventPacketSent)
	logPacket(&e, p)
	expect := "2020-01-05T00:00:00Z transport:packet_sent packet_type=handshake packet_number=1 dcid=010203 scid=0405 packet_size=20 payload_length=10"
	assertLogEvent(t, e, expect)
}

func TestLogRecovery(t *testing.T) {
	r := lossRecovery{}
	r.init(NewConfig())
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	e := newLogEvent(tm, logEventMetricsUpdated)
	logRecovery(&e, &r)
	expect := "2020-01-05T00:00:00Z recovery:metrics_updated min_rtt=0 smoothed_rtt=333 latest_rtt=0 rtt_variance=166 " +
		"pto_count=0 congestion_window=14720 bytes_in_flight=0"
	assertLogEvent(t, e, expect)
}

func TestLogLossTimer(t *testing.T) {
	r := lossRecovery{}
	r.init(NewConfig())
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	e := newLogEvent(tm, logEventLossTimerUpdated)
	logLossTimer(&e, &r)
	expect := "2020-01-05T00:00:00Z recovery:loss_timer_updated loss_timer=0"
	assertLogEvent(t, e, expect)
}

func TestLogStreamState(t *testing.T) {
	tm := time.Date(2020, time.January, 5, 0, 0, 0, 0, time.UTC)
	e := newLogEvent(tm, logEventStreamStateUpdated)
	logStreamClosed(&e, 10)
	expect := "2020-01-05T00:00:00Z transport:stream_state_updated stream_id=10 new=closed"
	assertLogEvent(t, e, expect)
}

func assertLogEvent(t *testing.T, e LogEvent, expect string) {
	actual := e.String()
	if expect != actual {
		t.Helper()
		t.Fatalf("\nexpect %v\nactual %v", expect, actual)
	}
}
