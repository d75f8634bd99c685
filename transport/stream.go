package transport

import (
	"fmt"
	"io"
	"sort"
)

// deliveryState tracks the lifecycle of a locally-initiated control frame
// that carries state which must eventually be confirmed by the peer
// (RESET_STREAM, STOP_SENDING): requested but not yet sent, sent and
// awaiting acknowledgment, or acknowledged.
type deliveryState uint8

const (
	deliveryReady deliveryState = iota
	deliverySending
	deliveryConfirmed
)

// resetState tracks a RESET_STREAM or STOP_SENDING frame owed to the peer.
type resetState struct {
	requested    bool
	errorCode    uint64
	finalSize    uint64
	reliableSize uint64 // non-zero for RESET_STREAM_AT: bytes below this must still be delivered
	state        deliveryState
}

func (r *resetState) request(code, finalSize, reliableSize uint64) {
	if r.requested && r.state == deliveryConfirmed {
		return
	}
	r.requested = true
	r.errorCode = code
	r.finalSize = finalSize
	r.reliableSize = reliableSize
	r.state = deliveryReady
}

func (r *resetState) setState(state deliveryState) {
	if r.requested {
		r.state = state
	}
}

func (r *resetState) update() (uint64, bool) {
	if r.requested && r.state == deliveryReady {
		return r.errorCode, true
	}
	return 0, false
}

func (r *resetState) confirmed() bool {
	return r.requested && r.state == deliveryConfirmed
}

// Stream is a data stream.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-streams
type Stream struct {
	recv recvStream
	send sendStream

	// Stream flow control is based on absolute data offset.
	// In comparision, connection-level flow control manages volume of data instead.
	flow flowControl
	// Linked to connection-level flow control. Does not apply for crypto stream.
	connFlow *flowControl
	// Whether this stream needs to send MAX_STREAM_DATA
	updateMaxData bool

	// reset tracks RESET_STREAM (or RESET_STREAM_AT) owed to the peer for
	// this stream's send side, requested either by the application
	// aborting the stream or in response to a received STOP_SENDING.
	reset resetState
	// stopSending tracks STOP_SENDING owed to the peer for this stream's
	// receive side, requested by the application giving up on reading.
	stopSending resetState
	// recvReset records that the receive side ended abnormally (local
	// STOP_SENDING honored, or a RESET_STREAM was received and applied).
	recvReset bool

	// groupID is non-zero when this stream belongs to a stream group
	// (STREAM_GROUP extension frames), otherwise streams are ungrouped.
	groupID uint64
	grouped bool

	priority Priority

	local bool
	bidi  bool
}

func (s *Stream) init(local, bidi bool) {
	s.local = local
	s.bidi = bidi
}

// reset clears buffered send/receive state while keeping flow control
// limits and directionality, used to restart the crypto stream after a
// TLS ClientHello retry.
func (s *Stream) reset() {
	flow := s.flow
	connFlow := s.connFlow
	local := s.local
	bidi := s.bidi
	*s = Stream{}
	s.flow = flow
	s.connFlow = connFlow
	s.local = local
	s.bidi = bidi
}

// hasSendSide reports whether this stream has a send half: bidirectional
// streams always do, unidirectional streams only when opened locally.
func (s *Stream) hasSendSide() bool {
	return s.bidi || s.local
}

// hasRecvSide reports whether this stream has a receive half: bidirectional
// streams always do, unidirectional streams only when opened by the peer.
func (s *Stream) hasRecvSide() bool {
	return s.bidi || !s.local
}

// setGroup assigns this stream to a stream group (STREAM_GROUP extension).
func (s *Stream) setGroup(id uint64) {
	s.groupID = id
	s.grouped = true
}

// SetPriority overrides the stream's scheduling priority, used by
// streamMap.scheduled to order STREAM frame emission.
func (s *Stream) SetPriority(p Priority) {
	s.priority = p
}

// pushRecv checks for maximum data can be received and pushes data to recv stream.
func (s *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	if offset+uint64(len(data)) > s.flow.maxRecv {
		return errFlowControl
	}
	err := s.recv.push(data, offset, fin)
	if err == nil {
		// Keep flow received bytes in sync with maximum absolute offset of the stream.
		s.flow.setRecv(s.recv.length)
	}
	return err
}

// Read reads data from recv stream.
func (s *Stream) Read(b []byte) (int, error) {
	n, err := s.recv.Read(b)
	if n > 0 {
		// A receiver could use the current offset of data consumed to determine the
		// flow control offset to be advertised.
		s.flow.addMaxRecvNext(uint64(n))
		if s.connFlow != nil {
			s.connFlow.addMaxRecvNext(uint64(n))
		}
		// Only tell peer to update max data when the stream is consumed.
		if !s.recv.fin && s.flow.shouldUpdateMaxRecv() {
			s.updateMaxData = true
		}
	}
	return n, err
}

// Write writes data to send stream.
func (s *Stream) Write(b []byte) (int, error) {
	if !s.hasSendSide() {
		return 0, newError(StreamStateError, "cannot write to uni stream")
	}
	if s.reset.requested {
		return 0, newError(StreamStateError, "stream reset")
	}
	n := int(s.flow.canSend())
	if n == 0 {
		return 0, nil
	}
	if n < len(b) {
		b = b[:n]
	}
	n, err := s.send.Write(b)
	if err == nil {
		// Keep flow sent bytes in sync with read offset of the stream
		s.flow.setSend(s.send.length)
	}
	return n, err
}

// WriteString writes the contents of string b to the stream.
func (s *Stream) WriteString(b string) (int, error) {
	// b will be copied so hopefully complier does not allocate memory for byte conversion
	return s.Write([]byte(b))
}

// isReadable returns true if the stream has any data to read.
func (s *Stream) isReadable() bool {
	return s.recv.ready() || (s.recv.fin && !s.recv.finRead)
}

// isWritable returns true if the stream has enough flow control capacity to be written to,
// and is not finished.
func (s *Stream) isWritable() bool {
	return s.hasSendSide() && !s.send.fin && s.flow.canSend() > 0
}

// isFlushable returns true if the stream has data to send
func (s *Stream) isFlushable() bool {
	// flow maxSend is controlled by peer via MAX_STREAM_DATA
	return s.send.ready(s.flow.maxSend) || (s.send.fin && !s.send.finSent)
}

// hasUpdate returns true if this stream owes the peer a MAX_STREAM_DATA,
// RESET_STREAM, or STOP_SENDING frame.
func (s *Stream) hasUpdate() bool {
	if s.updateMaxData {
		return true
	}
	if _, ok := s.reset.update(); ok {
		return true
	}
	if _, ok := s.stopSending.update(); ok {
		return true
	}
	return false
}

// popSend returns continuous data from send buffer that size less than max bytes.
// max is calculated by availability of packet buffer and flow control at connection level.
func (s *Stream) popSend(max int) (data []byte, offset uint64, fin bool) {
	if !s.isFlushable() {
		return nil, 0, false
	}
	return s.send.pop(max)
}

// pushSend requeues data declared lost so the scheduler resends it ahead
// of new writes.
func (s *Stream) pushSend(data []byte, offset uint64, fin bool) error {
	return s.send.pushLost(data, offset, fin)
}

// ackSend acknowleges data is received.
// It returns true if all data has been sent and confirmed.
func (s *Stream) ackSend(offset, length uint64) bool {
	s.send.ack(offset, length)
	return s.send.complete()
}

func (s *Stream) resetRecv(finalSize uint64) (int, error) {
	n, err := s.recv.reset(finalSize)
	if err == nil {
		s.recvReset = true
	}
	return n, err
}

// ackMaxData acknowledges that the MAX_STREAM_DATA frame delivery is confirmed.
func (s *Stream) ackMaxData() {
	s.updateMaxData = false
}

// resetSend requests RESET_STREAM be sent for this stream's send side,
// ending it with the given application error code.
func (s *Stream) resetSend(code uint64) {
	s.resetSendAt(code, 0)
}

// resetSendAt requests RESET_STREAM_AT: any data below reliableSize must
// still be delivered reliably even though the stream is being reset.
// https://www.ietf.org/archive/id/draft-ietf-quic-reliable-stream-reset
func (s *Stream) resetSendAt(code, reliableSize uint64) {
	s.reset.request(code, s.send.length, reliableSize)
	s.send.fin = true
}

func (s *Stream) setResetStream(state deliveryState) {
	s.reset.setState(state)
}

func (s *Stream) updateResetStream() (uint64, bool) {
	return s.reset.update()
}

func (s *Stream) resetStreamFinalSize() uint64 {
	return s.reset.finalSize
}

// resetStreamReliableSize returns the byte offset below which data must
// still be sent, even though the stream has been reset.
func (s *Stream) resetStreamReliableSize() uint64 {
	return s.reset.reliableSize
}

func (s *Stream) resetStreamConfirmed() bool {
	return s.reset.confirmed()
}

// stopSend handles a received STOP_SENDING: the peer no longer wants data
// on this stream's send side, so the send side is reset with the given
// application error code, RFC 9000 section 3.5.
func (s *Stream) stopSend(code uint64) {
	if !s.hasSendSide() {
		return
	}
	s.resetSend(code)
}

// requestStopSending queues STOP_SENDING to be sent to the peer, typically
// because the application gave up reading from this stream's receive side.
func (s *Stream) requestStopSending(code uint64) {
	if !s.hasRecvSide() {
		return
	}
	s.stopSending.request(code, 0, 0)
	s.recvReset = true
}

func (s *Stream) setStopSending(state deliveryState) {
	s.stopSending.setState(state)
}

func (s *Stream) updateStopSending() (uint64, bool) {
	return s.stopSending.update()
}

// Close sets end of the sending stream.
func (s *Stream) Close() error {
	if !s.hasSendSide() {
		return newError(StreamStateError, "cannot close uni stream")
	}
	s.send.fin = true
	return nil
}

// isClosed reports whether both halves of the stream present for its
// directionality have reached a terminal state, making it eligible for
// removal from the stream map.
func (s *Stream) isClosed() bool {
	sendDone := !s.hasSendSide() || s.send.complete() || s.reset.confirmed()
	recvDone := !s.hasRecvSide() || s.recv.finRead || s.recvReset
	return sendDone && recvDone
}

func (s *Stream) String() string {
	return fmt.Sprintf("recv{%s} send{%s}", &s.recv, &s.send)
}

// recvStream is buffer for receiving data.
type recvStream struct {
	buf rangeBufferList // Chunks of received data, ordered by offset

	offset uint64 // read offset
	length uint64 // total length

	fin     bool
	finRead bool // Whether reader is notified about closing
}

func (s *recvStream) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if s.fin {
		// Stream's size is known, forbid new data or changing it.
		if end > s.length {
			return errFinalSize
		}
	}
	if fin {
		if end < s.length {
			// Stream's known size is lower than data already received.
			return errFinalSize
		}
		s.fin = true
	}
	if s.offset >= end {
		// Data has been read
		return nil
	}
	s.buf.write(data, offset)
	if end > s.length {
		s.length = end
	}
	return nil
}

// reset returns how many bytes need to be removed from the flow control.
func (s *recvStream) reset(finalSize uint64) (int, error) {
	if s.fin {
		if finalSize != s.length {
			return 0, errFinalSize
		}
	}
	if finalSize < s.length {
		return 0, errFinalSize
	}
	n := int(finalSize - s.length)
	s.fin = true
	s.length = finalSize
	return n, nil
}

// Read makes recvStream an io.Reader.
func (s *recvStream) Read(b []byte) (int, error) {
	if s.isFin() {
		s.finRead = true
		return 0, io.EOF
	}
	n := s.buf.read(b, s.offset)
	s.offset += uint64(n)
	return n, nil
}

// ready returns true if data is available at the current read offset.
func (s *recvStream) ready() bool {
	return s.offset < s.length && len(s.buf) > 0 && s.buf[0].offset == s.offset
}

func (s *recvStream) isFin() bool {
	return s.fin && s.offset >= s.length
}

func (s *recvStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", s.offset, s.length, s.fin)
}

// sendStream is buffer for sending data.
//
// New data waits in buf (pendingWrites) and data declared lost waits in
// lossBuffer, both ordered by offset; pop() drains lossBuffer before buf.
// sendSegment is a previously-sent run of stream data, kept around so it
// can be handed back to the scheduler unchanged if declared lost.
type sendSegment struct {
	data []byte
	fin  bool
}

type sendStream struct {
	buf   rangeBufferList // pendingWrites: unsent data, ordered by offset
	acked rangeSet        // receive confirmed

	// retransmissionBuffer holds sent-but-unacked segments keyed by their
	// starting offset, until ack() removes them or a loss moves them into
	// lossBuffer.
	retransmissionBuffer map[uint64]sendSegment
	// lossBuffer holds segments declared lost, offset-sorted with adjacent
	// runs coalesced on insert; the scheduler drains it before pendingWrites.
	lossBuffer rangeBufferList

	offset uint64 // read offset into pendingWrites
	length uint64 // total length

	fin     bool
	finSent bool // finSent is needed when sender closes the stream after data has already been read.
}

func (s *sendStream) writeTo(list *rangeBufferList, data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if s.fin {
		// Stream's size is known, forbid new data or changing it.
		if end > s.length {
			return errFinalSize
		}
	}
	if fin {
		if end < s.length {
			// Stream's known size is lower than data already received.
			return errFinalSize
		}
		s.fin = true
	}
	list.write(data, offset)
	if end > s.length {
		s.length = end
	}
	return nil
}

// push queues data for its first transmission, e.g. from Write.
func (s *sendStream) push(data []byte, offset uint64, fin bool) error {
	return s.writeTo(&s.buf, data, offset, fin)
}

// pushLost moves a segment declared lost back into lossBuffer, coalescing
// with any adjacent entry, so the scheduler resends it ahead of
// pendingWrites and preserving its original offset and FIN.
func (s *sendStream) pushLost(data []byte, offset uint64, fin bool) error {
	delete(s.retransmissionBuffer, offset)
	return s.writeTo(&s.lossBuffer, data, offset, fin)
}

// recordSent remembers a segment just popped for sending so it can be
// resent verbatim if later declared lost, or dropped once acked.
func (s *sendStream) recordSent(offset uint64, data []byte, fin bool) {
	if s.retransmissionBuffer == nil {
		s.retransmissionBuffer = make(map[uint64]sendSegment)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.retransmissionBuffer[offset] = sendSegment{data: buf, fin: fin}
}

// pop returns continuous data in buffer with smallest offset up to max bytes in length.
// pop would be called after checking ready(). lossBuffer (retransmissions)
// drains before pendingWrites, so lost data is resent ahead of new data.
func (s *sendStream) pop(max int) (data []byte, offset uint64, fin bool) {
	if data, offset = s.lossBuffer.pop(max); len(data) > 0 {
		fin = s.fin && offset+uint64(len(data)) >= s.length
		if fin {
			s.finSent = true
		}
		s.recordSent(offset, data, fin)
		return data, offset, fin
	}
	data, offset = s.buf.pop(max)
	if len(data) == 0 {
		// Use current read offset when there is no data available.
		offset = s.offset
	}
	end := offset + uint64(len(data))
	fin = s.fin && end >= s.length
	if fin {
		s.finSent = true
	}
	if end > s.offset {
		s.offset = end
	}
	if len(data) > 0 {
		s.recordSent(offset, data, fin)
	}
	return
}

// ready returns true is the stream has any data with offset less than maxOffset.
func (s *sendStream) ready(maxOffset uint64) bool {
	if len(s.lossBuffer) > 0 && s.lossBuffer[0].offset < maxOffset {
		return true
	}
	return len(s.buf) > 0 && s.buf[0].offset < maxOffset
}

// Write append data to the stream.
func (s *sendStream) Write(b []byte) (int, error) {
	err := s.push(b, s.length, false)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *sendStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", s.offset, s.length, s.fin)
}

// ack acknowledges stream data received, dropping the matching
// retransmissionBuffer entry once it is fully covered.
func (s *sendStream) ack(offset, length uint64) {
	s.acked.push(offset, offset+length)
	if seg, ok := s.retransmissionBuffer[offset]; ok && uint64(len(seg.data)) <= length {
		delete(s.retransmissionBuffer, offset)
	}
}

// complete returns true if all data in the stream has been sent.
func (s *sendStream) complete() bool {
	return s.fin && s.offset >= s.length && s.acked.equals(0, s.length)
}

// streamMap keeps track of QUIC streams and enforces stream limits.
type streamMap struct {
	// Streams indexed by stream ID
	streams map[uint64]*Stream

	openedStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}

	// Maximum stream count limit
	maxStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}

	// Whether MAX_STREAMS (bidi/uni) needs to be (re)sent, and the value
	// to advertise once sent, mirroring flowControl's maxRecv/maxRecvNext
	// commit protocol.
	updateMaxStreamsBidi bool
	updateMaxStreamsUni  bool
	maxStreamsNext       struct {
		localBidi uint64
		localUni  uint64
	}

	isClient bool

	// defaultPriority is assigned to every stream created through create,
	// until the application sets a stream's priority explicitly.
	defaultPriority Priority
}

func (s *streamMap) init(maxBidi, maxUni uint64, defaultPriority Priority) {
	s.streams = make(map[uint64]*Stream)
	s.maxStreams.localBidi = maxBidi
	s.maxStreams.localUni = maxUni
	s.maxStreamsNext.localBidi = maxBidi
	s.maxStreamsNext.localUni = maxUni
	s.defaultPriority = defaultPriority
}

// scheduled returns the IDs of all streams, whether or not they have data
// to send, ordered by priority
// level (lower first) then, within a level, by incremental-vs-non: a
// non-incremental stream is scheduled to completion before its level's
// incremental streams interleave by ascending stream ID.
func (s *streamMap) scheduled() []uint64 {
	ids := make([]uint64, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.streams[ids[i]], s.streams[ids[j]]
		if a.priority.Level != b.priority.Level {
			return a.priority.Level < b.priority.Level
		}
		if a.priority.Incremental != b.priority.Incremental {
			// Non-incremental streams at the same level drain first.
			return !a.priority.Incremental
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *streamMap) get(id uint64) *Stream {
	return s.streams[id]
}

// create adds and returns a new stream, deriving its locality and
// directionality from the stream ID itself, or an error if it exceeds
// limits.
func (s *streamMap) create(id uint64, isClient bool) (*Stream, error) {
	local := isStreamLocal(id, isClient)
	bidi := isStreamBidi(id)
	if local {
		if bidi {
			if s.openedStreams.localBidi >= s.maxStreams.peerBidi {
				return nil, newError(StreamLimitError, sprint("local bidi streams exceeded ", s.maxStreams.peerBidi))
			}
			s.openedStreams.localBidi++
		} else {
			if s.openedStreams.localUni >= s.maxStreams.peerUni {
				return nil, newError(StreamLimitError, sprint("local uni streams exceeded ", s.maxStreams.peerUni))
			}
			s.openedStreams.localUni++
		}
	} else {
		if bidi {
			if s.openedStreams.peerBidi >= s.maxStreams.localBidi {
				return nil, newError(StreamLimitError, sprint("remote bidi streams exceeded ", s.maxStreams.localBidi))
			}
			s.openedStreams.peerBidi++
		} else {
			if s.openedStreams.peerUni >= s.maxStreams.localUni {
				return nil, newError(StreamLimitError, sprint("remote uni streams exceeded ", s.maxStreams.localUni))
			}
			s.openedStreams.peerUni++
		}
	}
	st := &Stream{}
	st.init(local, bidi)
	st.priority = s.defaultPriority
	s.streams[id] = st
	return st, nil
}

func (s *streamMap) setPeerMaxStreamsBidi(v uint64) {
	if v > s.maxStreams.peerBidi {
		s.maxStreams.peerBidi = v
	}
}

func (s *streamMap) setPeerMaxStreamsUni(v uint64) {
	if v > s.maxStreams.peerUni {
		s.maxStreams.peerUni = v
	}
}

func (s *streamMap) setLocalMaxStreamsBidi(v uint64) {
	if v > s.maxStreams.localBidi {
		s.maxStreams.localBidi = v
	}
}

func (s *streamMap) setLocalMaxStreamsUni(v uint64) {
	if v > s.maxStreams.localUni {
		s.maxStreams.localUni = v
	}
}

func (s *streamMap) setUpdateMaxStreamsBidi(v bool) {
	s.updateMaxStreamsBidi = v
}

func (s *streamMap) setUpdateMaxStreamsUni(v bool) {
	s.updateMaxStreamsUni = v
}

func (s *streamMap) commitMaxStreamsBidi() {
	s.maxStreams.localBidi = s.maxStreamsNext.localBidi
}

func (s *streamMap) commitMaxStreamsUni() {
	s.maxStreams.localUni = s.maxStreamsNext.localUni
}

func (s *streamMap) hasFlushable() bool {
	for _, st := range s.streams {
		if st.isFlushable() {
			return true
		}
	}
	return false
}

// hasUpdate reports whether any stream, or the stream map itself, owes the
// peer a control frame (MAX_STREAM_DATA, RESET_STREAM, STOP_SENDING, or
// MAX_STREAMS).
func (s *streamMap) hasUpdate() bool {
	if s.updateMaxStreamsBidi || s.updateMaxStreamsUni {
		return true
	}
	for _, st := range s.streams {
		if st.hasUpdate() {
			return true
		}
	}
	return false
}

// checkClosed removes fully-closed streams from the map, growing the
// locally-advertised stream limit for each peer-initiated stream that is
// retired and invoking onClose for each removed stream ID.
func (s *streamMap) checkClosed(onClose func(id uint64)) {
	for id, st := range s.streams {
		if !st.isClosed() {
			continue
		}
		delete(s.streams, id)
		if !st.local {
			if st.bidi {
				s.maxStreamsNext.localBidi++
				s.updateMaxStreamsBidi = true
			} else {
				s.maxStreamsNext.localUni++
				s.updateMaxStreamsUni = true
			}
		}
		if onClose != nil {
			onClose(id)
		}
	}
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#stream-id
// Client-initiated streams have even-numbered stream IDs (with the bit set to 0),
// and server-initiated streams have odd-numbered stream IDs (with the bit set to 1).
func isStreamLocal(id uint64, isClient bool) bool {
	return (id&0x1 == 0) == isClient
}

// The second least significant bit (0x2) of the stream ID distinguishes between
// bidirectional streams (with the bit set to 0) and unidirectional streams (with the bit set to 1).
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}
