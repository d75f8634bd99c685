package transport

import (
	"testing"
	"time"
)

func TestRecoverySetTimer(t *testing.T) {
	x := lossRecovery{}
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	x.init(NewConfig())

	now = time.Date(2000, 1, 1, 0, 0, 1, 0, time.UTC)
	p := newSentPacket(0, now)
	p.addFrame(&pingFrame{})
	p.sentBytes = 1
	x.onPacketSent(p, packetSpaceHandshake)

	if x.timeOfLastAckElicitingPacket[packetSpaceHandshake] != now {
		t.Fatalf("expect timeOfLastAckElicitingPacket: %v, actual: %v", now, x.timeOfLastAckElicitingPacket[packetSpaceHandshake])
	}
	if x.congestion.bytesInFlight() != p.sentBytes {
		t.Fatalf("expect bytesInFlight: %v, actual: %v", p.sentBytes, x.congestion.bytesInFlight())
	}
	if x.lossDetectionTimer.IsZero() {
		t.Fatalf("expect lossDetectionTimer to be armed")
	}
	// expire
	now = now.Add(1 * time.Second)
	x.onLossDetectionTimeout(now)
	if x.ptoCount == 0 {
		t.Fatalf("expect ptoCount > 0, actual: %v", x.ptoCount)
	}
}
