package transport

import (
	"bytes"
	"strconv"
	"time"
)

// Supported log events
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html
const (
	// Connection
	logEventStateUpdated = "connectivity:connection_state_updated"
	// Packet
	logEventPacketReceived  = "transport:packet_received"
	logEventPacketSent      = "transport:packet_sent"
	logEventPacketDropped   = "transport:packet_dropped"
	logEventPacketLost      = "recovery:packet_lost"
	logEventFramesProcessed = "transport:frames_processed"
	// Stream
	logEventStreamStateUpdated = "transport:stream_state_updated"
	// Recovery
	logEventParametersSet    = "recovery:parameters_set"
	logEventMetricsUpdated   = "recovery:metrics_updated"
	logEventLossTimerUpdated = "recovery:loss_timer_updated"
	// Security
	logEventKeyUpdated = "security:key_updated"
)

// Packet dropped triggers.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html#section-3.3.7
const (
	logTriggerKeyUnavailable      = "key_unavailable"
	logTriggerUnknownConnectionID = "unknown_connection_id"
	logTriggerHeaderParseError    = "header_parse_error"
	logTriggerHeaderDecryptError  = "header_decrypt_error"
	logTriggerPayloadDecryptError = "payload_decrypt_error"
	logTriggerUnexpectedPacket    = "unexpected_packet"
	logTriggerDuplicate           = "duplicate"
	logTriggerUnsupportedVersion  = "unsupported_version"
)

const hexTable = "0123456789abcdef"

// logger logs their state in key=value pairs.
type logger interface {
	log([]byte) []byte
}

// LogEvent is event sent by connection.
// Application must not retain Data as it is from internal buffers.
type LogEvent struct {
	Time time.Time
	Type string
	Data []byte
}

// newLogEvent creates a new LogEvent.
func newLogEvent(tm time.Time, typ string) LogEvent {
	return LogEvent{
		Time: tm,
		Type: typ,
		Data: newDataBuffer(dataBufferSizes[0])[:0],
	}
}

// addField adds a key-value field to current event.
// Only limited types of v are supported.
func (s *LogEvent) addField(k string, v interface{}) {
	s.Data = appendField(s.Data, k, v)
}

func (s *LogEvent) resetFields() {
	s.Data = s.Data[:0]
}

func (s LogEvent) String() string {
	w := bytes.Buffer{}
	w.WriteString(s.Time.Format(time.RFC3339))
	w.WriteString(" ")
	w.WriteString(s.Type)
	w.WriteString(" ")
	w.Write(s.Data)
	return w.String()
}

func freeLogEvent(e LogEvent) {
	freeDataBuffer(e.Data)
}

func appendField(b []byte, key string, val interface{}) []byte {
	if len(b) > 0 {
		b = append(b, ' ')
	}
	b = append(b, key...)
	b = append(b, '=')
	return appendFieldValue(b, val)
}

func appendFieldValue(b []byte, val interface{}) []byte {
	switch val := val.(type) {
	case int:
		b = strconv.AppendInt(b, int64(val), 10)
	case int8:
		b = strconv.AppendInt(b, int64(val), 10)
	case int16:
		b = strconv.AppendInt(b, int64(val), 10)
	case int32:
		b = strconv.AppendInt(b, int64(val), 10)
	case int64:
		b = strconv.AppendInt(b, val, 10)
	case uint:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint8:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint16:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint32:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint64:
		b = strconv.AppendUint(b, val, 10)
	case bool:
		b = strconv.AppendBool(b, val)
	case string:
		b = append(b, val...)
	case []byte:
		for _, v := range val {
			b = append(b, hexTable[v>>4])
			b = append(b, hexTable[v&0x0f])
		}
	case []uint32:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendUint(b, uint64(v), 10)
		}
		b = append(b, ']')
	case time.Duration:
		b = strconv.AppendInt(b, int64(val/time.Millisecond), 10)
	case rangeSet:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = append(b, '[')
			b = strconv.AppendUint(b, v.start, 10)
			b = append(b, ',')
			b = strconv.AppendUint(b, v.end, 10)
			b = append(b, ']')
		}
		b = append(b, ']')
	default:
		b = append(b, "<unsupported_type>"...)
	}
	return b
}

// Log connection state

func logConnectionState(e *LogEvent, old, new ConnectionState) {
	e.addField("old", old.String())
	e.addField("new", new.String())
}

func logTrigger(e *LogEvent, trigger string) {
	e.addField("trigger", trigger)
}

// Log packets

func logPacket(e *LogEvent, s *packet) {
	e.addField("packet_type", s.typ.String())
	e.addField("packet_number", s.packetNumber)
	if len(s.header.DCID) > 0 {
		e.addField("dcid", s.header.DCID)
	}
	if len(s.header.SCID) > 0 {
		e.addField("scid", s.header.SCID)
	}
	if s.packetSize > 0 {
		e.addField("packet_size", s.packetSize)
	}
	e.addField("payload_length", s.payloadLen)
}

func logParameters(e *LogEvent, p *Parameters) {
	e.addField("owner", "remote") // Log peer's parameters only
	e.addField("max_idle_timeout", p.MaxIdleTimeout)
	e.addField("max_udp_payload_size", p.MaxUDPPayloadSize)
	e.addField("initial_max_data", p.InitialMaxData)
	e.addField("initial_max_streams_bidi", p.InitialMaxStreamsBidi)
	e.addField("initial_max_streams_uni", p.InitialMaxStreamsUni)
	e.addField("ack_delay_exponent", p.AckDelayExponent)
	e.addField("max_ack_delay", p.MaxAckDelay)
	e.addField("active_connection_id_limit", p.ActiveConnectionIDLimit)
	e.addField("max_datagram_frame_size", p.MaxDatagramFrameSize)
	e.addField("disable_active_migration", p.DisableActiveMigration)
}

// Log frames
//
// Every frame type exposes its wire type name via frameTypeString so this
// stays a single generic dispatch instead of one case per struct.
func logFrame(e *LogEvent, f frame) {
	e.addField("frame_type", frameTypeString(f))
	switch f := f.(type) {
	case *ackFrame:
		e.addField("ack_delay", f.ackDelay)
		e.addField("acked_ranges", f.ackedRanges())
	case *resetStreamFrame:
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
		e.addField("final_size", f.finalSize)
	case *resetStreamAtFrame:
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
		e.addField("final_size", f.finalSize)
		e.addField("reliable_size", f.reliableSize)
	case *stopSendingFrame:
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
	case *cryptoFrame:
		e.addField("offset", f.offset)
		e.addField("length", len(f.data))
	case *streamFrame:
		e.addField("stream_id", f.streamID)
		e.addField("offset", f.offset)
		e.addField("length", len(f.data))
		e.addField("fin", f.fin)
	case *maxDataFrame:
		e.addField("maximum", f.maximumData)
	case *maxStreamDataFrame:
		e.addField("stream_id", f.streamID)
		e.addField("maximum", f.maximumData)
	case *maxStreamsFrame:
		e.addField("maximum", f.maximumStreams)
		e.addField("bidi", f.bidi)
	case *newConnectionIDFrame:
		e.addField("sequence_number", f.sequenceNumber)
	case *retireConnectionIDFrame:
		e.addField("sequence_number", f.sequenceNumber)
	case *connectionCloseFrame:
		e.addField("error_code", f.errorCode)
		e.addField("reason", string(f.reasonPhrase))
	case *datagramFrame:
		e.addField("length", len(f.data))
	case *ackFrequencyFrame:
		e.addField("sequence_number", f.sequenceNumber)
		e.addField("ack_eliciting_threshold", f.ackElicitingThreshold)
		e.addField("max_ack_delay", f.maxAckDelay)
	case *knobFrame:
		e.addField("knob_id", f.knobID)
		e.addField("knob_value", f.value)
	}
}

// Recovery

func logRecovery(e *LogEvent, s *lossRecovery) {
	e.Data = s.log(e.Data)
}

func logLossTimer(e *LogEvent, s *lossRecovery) {
	e.Data = s.logLossTimer(e.Data, e.Time)
}

func logStreamClosed(e *LogEvent, id uint64) {
	e.addField("stream_id", id)
	e.addField("new", "closed")
}

func logKeyUpdated(e *LogEvent, keyPhase uint8, local bool) {
	e.addField("key_type", "1RTT")
	e.addField("key_phase", keyPhase)
	if local {
		e.addField("trigger", "local_update")
	} else {
		e.addField("trigger", "remote_update")
	}
}
