// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tls13

import (
	"golang.org/x/crypto/hkdf"
)

// extract is HKDF-Extract(salt=currentSecret, IKM=newSecret), following the
// crypto/tls convention of naming the running secret "currentSecret" and the
// key material being mixed in "newSecret". A nil newSecret extracts zeros,
// used for the zero early-secret starting point.
func (c *cipherSuiteTLS13) extract(newSecret, currentSecret []byte) []byte {
	if newSecret == nil {
		newSecret = make([]byte, c.hash.Size())
	}
	return hkdf.Extract(c.hash.New, newSecret, currentSecret)
}

// expandLabel implements HKDF-Expand-Label from RFC 8446, Section 7.1.
func (c *cipherSuiteTLS13) expandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	hkdfLabel := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	n, err := hkdf.Expand(c.hash.New, secret, hkdfLabel).Read(out)
	if err != nil || n != length {
		panic("tls13: HKDF-Expand-Label invocation failed unexpectedly")
	}
	return out
}

// deriveSecret is Derive-Secret(Secret, Label, "") as used by the QUIC
// initial secrets, which pass an empty transcript instead of a message hash.
func (c *cipherSuiteTLS13) deriveSecret(secret []byte, label string) []byte {
	return c.expandLabel(secret, label, nil, c.hash.Size())
}

// DeriveSecret is the exported deriveSecret for QUIC usage.
func (c *cipherSuiteTLS13) DeriveSecret(secret []byte, label string) []byte {
	return c.deriveSecret(secret, label)
}

// quicTrafficKey derives the packet-protection key, IV and header-protection
// key from a traffic secret, per RFC 9001, Section 5.1.
func (c *cipherSuiteTLS13) quicTrafficKey(secret []byte) (key, iv, hp []byte) {
	key = c.expandLabel(secret, "quic key", nil, c.keyLen)
	iv = c.expandLabel(secret, "quic iv", nil, aeadNonceLength)
	hp = c.expandLabel(secret, "quic hp", nil, c.keyLen)
	return
}

// QUICTrafficKey is the exported quicTrafficKey for QUIC usage.
func (c *cipherSuiteTLS13) QUICTrafficKey(secret []byte) (key, iv, hp []byte) {
	return c.quicTrafficKey(secret)
}

// quicUpdateKey derives the next generation traffic secret, per RFC 9001,
// Section 6 ("quic ku").
func (c *cipherSuiteTLS13) quicUpdateKey(secret []byte) []byte {
	return c.expandLabel(secret, "quic ku", nil, c.hash.Size())
}

// QUICUpdateKey is the exported quicUpdateKey for QUIC usage.
func (c *cipherSuiteTLS13) QUICUpdateKey(secret []byte) []byte {
	return c.quicUpdateKey(secret)
}
