package transport

import (
	"errors"
	"fmt"
)

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#error-codes
const (
	NoError                 = 0x0
	InternalError           = 0x1
	ServerBusy              = 0x2
	FlowControlError        = 0x3
	StreamLimitError        = 0x4
	StreamStateError        = 0x5
	FinalSizeError          = 0x6
	FrameEncodingError      = 0x7
	TransportParameterError = 0x8
	ProtocolViolation       = 0xa
	InvalidToken            = 0xb
	ApplicationError        = 0xc
	CryptoBufferExceeded    = 0xd
	KeyUpdateError          = 0xe
	AEADLimitReached        = 0xf
	NoViablePath            = 0x10
	CryptoError             = 0x100
)

type Error struct {
	Code    uint64
	Message string
}

func (e *Error) Error() string {
	name, ok := errorName(e.Code)
	if !ok {
		if e.Message != "" {
			return fmt.Sprintf("0x%x %s", e.Code, e.Message)
		}
		return fmt.Sprintf("0x%x", e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s", name, e.Message)
	}
	if e.Code >= CryptoError {
		return fmt.Sprintf("%s %d", name, e.Code-CryptoError)
	}
	return name
}

func newError(code uint64, msg string, v ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(msg, v...),
	}
}

var (
	errFlowControl       = newError(FlowControlError, "FlowControl")
	errStreamLimit       = newError(StreamLimitError, "StreamLimit")
	errFinalSize         = newError(FinalSizeError, "FinalSize")
	errInvalidPacket     = newError(FrameEncodingError, "PacketEncoding")
	errInvalidFrame      = newError(FrameEncodingError, "FrameEncoding")
	errProtocolViolation = newError(ProtocolViolation, "ProtocolViolation")
	errNoViablePath      = newError(NoViablePath, "NoViablePath")
	errKeyUpdate         = newError(KeyUpdateError, "KeyUpdate")

	errShortBuffer = errors.New("ShortBuffer")
)

// errorName returns the QUIC transport error code name for code, and whether
// code falls within a known name (crypto alert codes 0x100-0x1ff are known as
// a family, named "CRYPTO_ERROR").
func errorName(code uint64) (string, bool) {
	switch code {
	case NoError:
		return "NO_ERROR", true
	case InternalError:
		return "INTERNAL_ERROR", true
	case ServerBusy:
		return "SERVER_BUSY", true
	case FlowControlError:
		return "FLOW_CONTROL_ERROR", true
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR", true
	case StreamStateError:
		return "STREAM_STATE_ERROR", true
	case FinalSizeError:
		return "FINAL_SIZE_ERROR", true
	case FrameEncodingError:
		return "FRAME_ENCODING_ERROR", true
	case TransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR", true
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION", true
	case InvalidToken:
		return "INVALID_TOKEN", true
	case ApplicationError:
		return "APPLICATION_ERROR", true
	case CryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED", true
	case KeyUpdateError:
		return "KEY_UPDATE_ERROR", true
	case AEADLimitReached:
		return "AEAD_LIMIT_REACHED", true
	case NoViablePath:
		return "NO_VIABLE_PATH", true
	}
	if code >= CryptoError && code-CryptoError <= 0xff {
		return "CRYPTO_ERROR", true
	}
	return "", false
}

// errorCodeString returns a human readable name for a transport error code,
// used only for debug/qlog output.
func errorCodeString(code uint64) string {
	if name, ok := errorName(code); ok {
		return name
	}
	return fmt.Sprintf("0x%x", code)
}

// errorText maps well-known transport error codes to their name, used in
// test failure messages.
var errorText = map[uint64]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	ServerBusy:              "SERVER_BUSY",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamLimitError:        "STREAM_LIMIT_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalSizeError:          "FINAL_SIZE_ERROR",
	FrameEncodingError:      "FRAME_ENCODING_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	InvalidToken:            "INVALID_TOKEN",
	ApplicationError:        "APPLICATION_ERROR",
	CryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	KeyUpdateError:          "KEY_UPDATE_ERROR",
	AEADLimitReached:        "AEAD_LIMIT_REACHED",
	NoViablePath:            "NO_VIABLE_PATH",
}
