package transport

// Event is any of the notifications a Conn queues for the application to
// drain via Conn.Events. Concrete event types are plain structs; callers
// type-switch on the value returned.
type Event interface{}

// StreamRecvEvent is an event where a STREAM frame was received and data is readable.
type StreamRecvEvent struct {
	StreamID uint64
}

// StreamStopEvent is an event where a STOP_SENDING frame was received.
type StreamStopEvent struct {
	StreamID  uint64
	ErrorCode uint64
}

// StreamResetEvent is an event where a RESET_STREAM frame was received.
type StreamResetEvent struct {
	StreamID  uint64
	ErrorCode uint64
}

// StreamCloseEvent is an event where a stream has been fully closed in
// both directions and removed from the connection's stream map.
type StreamCloseEvent struct {
	StreamID uint64
}

// StreamWritableEvent is an event where a stream has become writable,
// either because it was just created or because flow control opened up.
type StreamWritableEvent struct {
	StreamID uint64
}

// StreamCreatableEvent is an event where the peer raised a MAX_STREAMS
// limit, allowing this endpoint to open new streams of that type.
type StreamCreatableEvent struct {
	Bidi bool
}

func newEventStreamReadable(id uint64) Event {
	return StreamRecvEvent{StreamID: id}
}

func newEventStreamStop(id, code uint64) Event {
	return StreamStopEvent{StreamID: id, ErrorCode: code}
}

func newEventStreamReset(id, code uint64) Event {
	return StreamResetEvent{StreamID: id, ErrorCode: code}
}

func newEventStreamComplete(id uint64) Event {
	return StreamCloseEvent{StreamID: id}
}

func newEventStreamWritable(id uint64) Event {
	return StreamWritableEvent{StreamID: id}
}

func newEventStreamCreatable(bidi bool) Event {
	return StreamCreatableEvent{Bidi: bidi}
}

func newEventDatagramReadable() Event {
	return DatagramRecvEvent{}
}

// ConnectionCloseEvent is an event where the peer (or this endpoint) has
// closed the connection.
type ConnectionCloseEvent struct {
	Error *Error
	Local bool
}

// HandshakeEvent is an event marking handshake progress.
type HandshakeEvent struct {
	Complete bool
}

// DatagramRecvEvent is an event where a DATAGRAM frame was received and is
// readable via Conn.Datagram.
type DatagramRecvEvent struct {
	Length int
}

// KeyUpdateEvent is an event marking a 1-RTT key update, either initiated
// locally or detected from the peer.
type KeyUpdateEvent struct {
	KeyPhase uint8
	Local    bool
}

// PathValidationEvent is an event marking completion of path validation
// via PATH_CHALLENGE/PATH_RESPONSE.
type PathValidationEvent struct {
	Success bool
}
