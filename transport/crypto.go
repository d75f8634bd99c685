package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"net"
	"time"

	"github.com/huifeng-kooboo/quic/tls13"
)

type cryptoLevel int

const (
	cryptoLevelInitial cryptoLevel = iota
	cryptoLevelZeroRTT
	cryptoLevelHandshake
	cryptoLevelOneRTT
)

// version ff00001d
var initialSalt = []byte{
	0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c, 0x9e, 0x97,
	0x86, 0xf1, 0x9c, 0x61, 0x11, 0xe0, 0x43, 0x90, 0xa8, 0x99,
}

type initialAEAD struct {
	client packetProtection
	server packetProtection
}

// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#initial-secrets
func newInitialAEAD(cid []byte) (*initialAEAD, error) {
	suite := tls13.CipherSuiteByID(tls.TLS_AES_128_GCM_SHA256)
	initialSecret := suite.Extract(cid, initialSalt)
	aead := &initialAEAD{}
	// client
	clientSecret := suite.DeriveSecret(initialSecret, "client in")
	err := aead.client.init(suite, clientSecret)
	if err != nil {
		return nil, err
	}
	// server
	serverSecret := suite.DeriveSecret(initialSecret, "server in")
	err = aead.server.init(suite, serverSecret)
	if err != nil {
		return nil, err
	}
	return aead, nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#packet-protection
type packetProtection struct {
	aead  cipher.AEAD
	hp    cipher.Block
	nonce [8]byte // packet number
}

func (s *packetProtection) init(suite tls13.CipherSuite, secret []byte) error {
	key, iv, hpKey := suite.QUICTrafficKey(secret)
	var err error
	s.aead = suite.AEAD(key, iv)

	// TODO: Support ChaCha
	s.hp, err = aes.NewCipher(hpKey)
	if err != nil {
		return err
	}
	return nil
}

// updateKey derives the next generation packet-protection key and IV from
// secret for a key update, keeping the receiver's existing header-protection
// key: "header protection is not changed during a key update"
// (RFC 9001 Section 6).
func (s *packetProtection) updateKey(suite tls13.CipherSuite, secret []byte) packetProtection {
	key, iv, _ := suite.QUICTrafficKey(secret)
	return packetProtection{aead: suite.AEAD(key, iv), hp: s.hp}
}

// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#aead
// Length of b and payload must include crypto overhead.
func (s *packetProtection) encryptPayload(b []byte, packetNumber uint64, payloadLen int) []byte {
	s.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset : len(b)-s.aead.Overhead()]
	payload = s.aead.Seal(payload[:0], s.nonce[:], payload, header)
	return payload
}

// Length of b and payload must include crypto overhead.
func (s *packetProtection) decryptPayload(b []byte, packetNumber uint64, payloadLen int) ([]byte, error) {
	s.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset:]
	payload, err := s.aead.Open(payload[:0], s.nonce[:], payload, header)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// The 62 bits of the reconstructed QUIC packet number in network byte order are left-padded
// with zeros to the size of the IV. The exclusive OR of the padded packet number and the IV
// forms the AEAD nonce.
func (s *packetProtection) makeNonce(packetNumber uint64) {
	binary.BigEndian.PutUint64(s.nonce[:], packetNumber)
}

// pnOffset is where Packet Number starts.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#header-protect
//
// Long Header:
// +-+-+-+-+-+-+-+-+
// |1|1|T T|E E E E|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                    Version -> Length Fields                 ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Short Header:
// +-+-+-+-+-+-+-+-+
// |0|1|S|E E E E E|
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |               Destination Connection ID (0/32..144)         ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Common Fields:
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |E E E E E E E E E  Packet Number (8/16/24/32) E E E E E E E E...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |   [Protected Payload (8/16/24)]             ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |             Sampled part of Protected Payload (128)         ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                 Protected Payload Remainder (*)             ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func (s *packetProtection) encryptHeader(b []byte, pnOffset int) {
	sampleLen := s.hp.BlockSize()
	sampleOffset := pnOffset + maxPacketNumberLength
	sample := b[sampleOffset : sampleOffset+sampleLen]
	mask := make([]byte, sampleLen)
	s.hp.Encrypt(mask, sample)
	pnLen := packetNumberLenFromHeader(b[0])
	if isLongHeader(b[0]) {
		// Long header: 4 bits masked
		b[0] ^= mask[0] & 0x0f
	} else {
		// Short header: 5 bits masked
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
}

func (s *packetProtection) decryptHeader(b []byte, pnOffset int) error {
	sampleLen := s.hp.BlockSize()
	sampleOffset := pnOffset + maxPacketNumberLength
	if len(b) < sampleOffset+sampleLen {
		return errInvalidPacket
	}
	sample := b[sampleOffset : sampleOffset+sampleLen]
	mask := make([]byte, sampleLen)
	s.hp.Encrypt(mask, sample)
	if isLongHeader(b[0]) {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	pnLen := packetNumberLenFromHeader(b[0])
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// Retry Packet Integrity

const retryIntegrityTagLen = 16

var retryIntegrityNonce = []byte{
	0xe5, 0x49, 0x30, 0xf9, 0x7f, 0x21, 0x36, 0xf0,
	0x53, 0x0a, 0x8c, 0x1c,
}

var retryIntegrityAEAD cipher.AEAD

func newRetryIntegrityAEAD() cipher.AEAD {
	if retryIntegrityAEAD == nil {
		var retryIntegrityKey = []byte{
			0xcc, 0xce, 0x18, 0x7e, 0xd0, 0x9a, 0x09, 0xd0,
			0x57, 0x28, 0x15, 0x5a, 0x6c, 0xb9, 0x6b, 0xe1,
		}
		aes, err := aes.NewCipher(retryIntegrityKey)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		gcm, err := cipher.NewGCM(aes)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		retryIntegrityAEAD = gcm
	}
	return retryIntegrityAEAD
}

// computeRetryIntegrity append retry integrity tag to given pseudo retry packet.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#name-retry-packet-integrity
func computeRetryIntegrity(pseudo []byte) ([]byte, error) {
	aead := newRetryIntegrityAEAD()
	if cap(pseudo)-len(pseudo) < aead.Overhead() {
		// Avoid allocating
		return nil, errShortBuffer
	}
	b := aead.Seal(pseudo, retryIntegrityNonce, nil, pseudo)
	return b, nil
}

// verifyRetryIntegrity verifies integrity tag in retry packet b given the original destination CID odcid.
func verifyRetryIntegrity(b, odcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	pseudo := make([]byte, len(b)+len(odcid)+1)
	pseudo[0] = byte(len(odcid))
	copy(pseudo[1:], odcid)
	copy(pseudo[1+len(odcid):], b[:len(b)-retryIntegrityTagLen])

	out, err := computeRetryIntegrity(pseudo[:len(pseudo)-retryIntegrityTagLen])
	if err != nil || len(out) < retryIntegrityTagLen {
		return false
	}
	inTag := b[len(b)-retryIntegrityTagLen:]
	outTag := out[len(out)-retryIntegrityTagLen:]
	return bytes.Equal(inTag, outTag)
}

// AddressValidator is a simple implementation for client address validation.
// It encrypts client original CID using AES-GSM AEAD with a randomly-generated key.
type AddressValidator struct {
	aead   cipher.AEAD
	timeFn func() time.Time
}

// NewAddressValidator creates a new AddressValidator or returns error when failed to
// generate secret or AEAD.
func NewAddressValidator() (*AddressValidator, error) {
	var key [16]byte
	_, err := rand.Read(key[:])
	if err != nil {
		return nil, err
	}
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	return &AddressValidator{
		aead:   aead,
		timeFn: time.Now,
	}, nil
}

// tokenVariant tags what kind of address-validation token a plaintext
// payload carries, per the Retry (section 8.1.2) and NEW_TOKEN (section
// 8.1.3) token formats.
type tokenVariant uint8

const (
	tokenVariantRetry tokenVariant = iota
	tokenVariantNewToken
)

const tokenValidity = 10 * time.Second

// A token's wire layout is always [u64 issued_ms][variant][payload], with
// the timestamp and variant tag left in plaintext so staleness can be
// checked without opening the AEAD, and only payload sealed. The sealing
// itself is the opaque part: the core just emits and parses the header.
const tokenHeaderLen = 8 + 1

func ipAndPort(addr []byte) (ip net.IP, port uint16) {
	host, portStr, err := net.SplitHostPort(string(addr))
	if err != nil {
		return nil, 0
	}
	ip = net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	p, err := parseUint16(portStr)
	if err != nil {
		return ip, 0
	}
	return ip, p
}

func parseUint16(s string) (uint16, error) {
	var n uint16
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, bytes.ErrTooLarge
		}
		n = n*10 + uint16(c-'0')
	}
	return n, nil
}

// ipFamily returns 4 or 6, matching the IP address length encoded after it.
func ipFamily(ip net.IP) byte {
	if len(ip) == net.IPv4len {
		return 4
	}
	return 6
}

// encodeRetryPayload lays out ODCID_Len/ODCID/IP family/IP bytes/port, the
// Retry token payload the core must emit and parse.
func encodeRetryPayload(odcid []byte, ip net.IP, port uint16) []byte {
	payload := make([]byte, 1+len(odcid)+1+len(ip)+2)
	payload[0] = byte(len(odcid))
	n := 1
	n += copy(payload[n:], odcid)
	payload[n] = ipFamily(ip)
	n++
	n += copy(payload[n:], ip)
	binary.BigEndian.PutUint16(payload[n:], port)
	return payload
}

func decodeRetryPayload(payload []byte) (odcid []byte, ip net.IP, port uint16, ok bool) {
	if len(payload) < 1 {
		return nil, nil, 0, false
	}
	odcidLen := int(payload[0])
	n := 1
	if len(payload) < n+odcidLen+1 {
		return nil, nil, 0, false
	}
	odcid = payload[n : n+odcidLen]
	n += odcidLen
	family := payload[n]
	n++
	ipLen := 4
	if family == 6 {
		ipLen = 16
	}
	if len(payload) < n+ipLen+2 {
		return nil, nil, 0, false
	}
	ip = payload[n : n+ipLen]
	n += ipLen
	port = binary.BigEndian.Uint16(payload[n:])
	return odcid, ip, port, true
}

// encodeNewTokenPayload lays out IP family/IP bytes, the NEW_TOKEN token
// payload the core must emit and parse.
func encodeNewTokenPayload(ip net.IP) []byte {
	payload := make([]byte, 1+len(ip))
	payload[0] = ipFamily(ip)
	copy(payload[1:], ip)
	return payload
}

func decodeNewTokenPayload(payload []byte) (ip net.IP, ok bool) {
	if len(payload) < 1 {
		return nil, false
	}
	family := payload[0]
	ipLen := 4
	if family == 6 {
		ipLen = 16
	}
	if len(payload) != 1+ipLen {
		return nil, false
	}
	return payload[1:], true
}

// seal writes the plaintext [timestamp][variant] header followed by payload
// sealed under a nonce derived from that same header, bound to addr.
func (s *AddressValidator) seal(addr []byte, variant tokenVariant, payload []byte) []byte {
	now := uint64(s.timeFn().UnixMilli())
	token := make([]byte, tokenHeaderLen, tokenHeaderLen+len(payload)+s.aead.Overhead())
	binary.BigEndian.PutUint64(token, now)
	token[8] = byte(variant)

	nonce := make([]byte, s.aead.NonceSize())
	copy(nonce, token[:tokenHeaderLen])
	return s.aead.Seal(token, nonce, payload, addr)
}

// open validates the plaintext header's staleness, then opens the sealed
// payload using the same header bytes as nonce material.
func (s *AddressValidator) open(addr, token []byte) (variant tokenVariant, payload []byte, ok bool) {
	if len(token) < tokenHeaderLen {
		return 0, nil, false
	}
	issuedMs := binary.BigEndian.Uint64(token)
	issued := time.UnixMilli(int64(issuedMs))
	now := s.timeFn()
	if issued.After(now) || now.Sub(issued) > tokenValidity {
		return 0, nil, false
	}
	variant = tokenVariant(token[8])

	nonce := make([]byte, s.aead.NonceSize())
	copy(nonce, token[:tokenHeaderLen])
	payload, err := s.aead.Open(nil, nonce, token[tokenHeaderLen:], addr)
	if err != nil {
		return 0, nil, false
	}
	return variant, payload, true
}

// Generate produces a Retry token binding odcid and the client's address,
// following the plaintext [timestamp][variant][ODCID_Len/ODCID/IP
// family/IP bytes/port] Retry token layout.
func (s *AddressValidator) Generate(addr, odcid []byte) []byte {
	ip, port := ipAndPort(addr)
	payload := encodeRetryPayload(odcid, ip, port)
	return s.seal(addr, tokenVariantRetry, payload)
}

// Validate opens a Retry token and returns its ODCID, or nil if the token
// is stale, malformed, or was not issued for addr.
func (s *AddressValidator) Validate(addr, token []byte) []byte {
	variant, payload, ok := s.open(addr, token)
	if !ok || variant != tokenVariantRetry {
		return nil
	}
	odcid, _, _, ok := decodeRetryPayload(payload)
	if !ok {
		return nil
	}
	return odcid
}

// GenerateNewToken produces a NEW_TOKEN frame token binding the client's
// address, following the plaintext [timestamp][variant][IP family/IP
// bytes] NewToken layout.
func (s *AddressValidator) GenerateNewToken(addr []byte) []byte {
	ip, _ := ipAndPort(addr)
	payload := encodeNewTokenPayload(ip)
	return s.seal(addr, tokenVariantNewToken, payload)
}

// ValidateNewToken opens a NEW_TOKEN token and reports whether it was
// issued for addr and is still fresh.
func (s *AddressValidator) ValidateNewToken(addr, token []byte) bool {
	variant, payload, ok := s.open(addr, token)
	if !ok || variant != tokenVariantNewToken {
		return false
	}
	_, ok = decodeNewTokenPayload(payload)
	return ok
}
