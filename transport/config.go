// Package transport provides implementation of QUIC transport protocol.
package transport

import (
	"crypto/tls"
	"time"
)

const (
	// ProtocolVersion is the supported QUIC version
	ProtocolVersion = 0xff000000 + 29

	// MaxCIDLength is the maximum length of a Connection ID
	MaxCIDLength = 20

	// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-packet-size

	// MaxIPv6PacketSize is the QUIC maximum packet size for IPv6 when Path MTU Discovery is missing.
	MaxIPv6PacketSize = 1232
	// MaxIPv4PacketSize is the QUIC maximum packet size for IPv4 when Path MTU Discovery is missing.
	MaxIPv4PacketSize = 1252
	// MaxPacketSize is the maximum permitted UDP payload.
	MaxPacketSize = 65527
	// MinInitialPacketSize is the QUIC minimum packet size when it contains Initial packet.
	MinInitialPacketSize = 1200

	minPayloadLength       = 4
	minPacketPayloadLength = 4

	// Crypto is not under flow control, but we still enforce a hard limit.
	cryptoMaxData = 1 << 20

	// defaultStreamMaxData bounds the internal crypto stream, which is not
	// subject to QUIC flow control itself.
	defaultStreamMaxData = cryptoMaxData

	// defaultActiveConnectionIDLimit is assumed for a peer that does not
	// advertise active_connection_id_limit.
	defaultActiveConnectionIDLimit = 2

	// maxStreams is the protocol ceiling for MAX_STREAMS, RFC 9000 section 4.6.
	maxStreams = uint64(1) << 60
)

// AckFrequencyPolicy holds ACK frequency settings. NewConfig sets defaults
// and a received ACK_FREQUENCY frame overwrites AckElicitingThreshold and
// ReorderingThreshold, but no code reads these fields: when ACKs are sent
// does not depend on them.
type AckFrequencyPolicy struct {
	// AckElicitingThreshold is the number of ack-eliciting packets received
	// since the last ACK before one must be sent immediately.
	AckElicitingThreshold uint64
	// ReorderingThreshold is how far out of order, in packet numbers, a
	// received packet may be before it forces an immediate ACK.
	ReorderingThreshold uint64
	// MinRTTDivisor bounds the delayed-ack timer at srtt/MinRTTDivisor.
	MinRTTDivisor uint64
	// UseSmallThresholdDuringStartup shrinks ReorderingThreshold while the
	// congestion controller reports it is still in its startup phase.
	UseSmallThresholdDuringStartup bool
}

// Priority controls the order in which streams are scheduled for STREAM
// frame emission.
type Priority struct {
	Level       uint8
	Incremental bool
}

// Config is a QUIC connection configuration.
// This implementaton utilizes tls.Config.Rand and tls.Config.Time if available.
//
// Config carries both the transport parameters exchanged with the peer
// (Params) and local tuning knobs that are never placed on the wire.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  Parameters

	// CongestionControl selects the congestion controller implementation:
	// "reno" (the default, with CUBIC growth and PRR loss recovery) or
	// "bbr2".
	CongestionControl string

	InitialCongestionWindowInMss uint64
	MinimumCongestionWindowInMss uint64

	// PacingEnabled paces packet emission by the congestion controller's
	// estimated bandwidth instead of bursting the whole window at once.
	PacingEnabled      bool
	PacingTickInterval time.Duration

	WriteConnectionDataPacketsLimit int
	MaxBatchSize                    int
	WriteLimitRTTFraction           float64

	// KeyUpdatePacketCountInterval is the number of 1-RTT packets sent in
	// the current key phase before this endpoint initiates a key update.
	// A very large value effectively disables locally-initiated updates.
	KeyUpdatePacketCountInterval uint64
	InitiateKeyUpdate            bool

	OpportunisticAcking bool
	AckFrequencyPolicy  AckFrequencyPolicy

	// PaddingModulo is not read by the packet writer: short header packets
	// are not padded to a multiple of it, whatever its value.
	PaddingModulo int

	DefaultPriority Priority

	UseAdaptiveLossReorderingThresholds bool
	UseInflightReorderingThreshold      bool

	EnableKeepalive bool

	// EnableWritableBytesLimit caps an unvalidated server path to 3x the
	// bytes received from the peer, per RFC 9000 section 8.1.
	EnableWritableBytesLimit bool

	IncludeCwndHintsInSessionTicket bool

	DisableMigration bool
}

// NewConfig creates a default configuration.
func NewConfig() *Config {
	return &Config{
		Version: ProtocolVersion,
		Params: Parameters{
			MaxIdleTimeout:             30 * time.Second,
			AckDelayExponent:        3,
			MaxAckDelay:             25 * time.Millisecond,
			ActiveConnectionIDLimit: defaultActiveConnectionIDLimit,

			InitialMaxData:                 8192,
			InitialMaxStreamDataBidiLocal:  8192,
			InitialMaxStreamDataBidiRemote: 8192,
			InitialMaxStreamDataUni:        8192,
			InitialMaxStreamsBidi:          1,
			InitialMaxStreamsUni:           1,
		},
		CongestionControl:               "reno",
		InitialCongestionWindowInMss:    10,
		MinimumCongestionWindowInMss:    2,
		PacingEnabled:                   true,
		PacingTickInterval:              time.Millisecond,
		WriteConnectionDataPacketsLimit: 32,
		MaxBatchSize:                    32,
		WriteLimitRTTFraction:           0.5,
		KeyUpdatePacketCountInterval:    1 << 48,
		AckFrequencyPolicy: AckFrequencyPolicy{
			AckElicitingThreshold: 2,
			ReorderingThreshold:   3,
			MinRTTDivisor:         4,
		},
		EnableWritableBytesLimit: true,
	}
}

func versionSupported(ver uint32) bool {
	return ver == ProtocolVersion
}
