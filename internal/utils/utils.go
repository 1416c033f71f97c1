/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package utils

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/rogpeppe/fastuuid"
)

var guidGenerator = fastuuid.MustNewGenerator()

// NewRandomGUID returns a new random 128 bit hex encoded identifier.
func NewRandomGUID() string {
	return guidGenerator.Hex128()
}

// NewRandomUint32 returns a cryptographically random non-zero uint32,
// suitable as RTP SSRC.
func NewRandomUint32() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if n := binary.BigEndian.Uint32(b[:]); n != 0 {
			return n
		}
	}
}
