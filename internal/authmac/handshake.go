// Copyright (C) 2024 HyperShell Authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package authmac

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/hkdf"
)

// sessionInfo is HKDF's info parameter, binding the derived key to this
// protocol so the same pre-shared key can't be replayed against some
// unrelated HKDF consumer.
var sessionInfo = []byte("hypershell-session-mac-v1")

// NewChallenge returns a fresh random 128-bit challenge for WELCOME.
func NewChallenge() ([16]byte, error) {
	var c [16]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("authmac: generating challenge: %w", err)
	}
	return c, nil
}

// sessionKeys derives the two siphash key halves for this session from
// the pre-shared key and the WELCOME challenge, via HKDF-SHA256
// (golang.org/x/crypto/hkdf), exactly as tenant.go derives its siphash
// key pair from fixed constants -- except here the "constants" are
// per-session, not hardcoded, since every connection must get an
// independent key even though all sessions share one pre-shared secret.
func sessionKeys(psk []byte, challenge [16]byte) (k0, k1 uint64, err error) {
	r := hkdf.New(sha256.New, psk, challenge[:], sessionInfo)
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("authmac: deriving session key: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}

// ComputeMAC returns the client's AUTH response: a siphash-2-4 MAC, keyed
// by a session key derived from psk and challenge, over the challenge
// itself.
func ComputeMAC(psk []byte, challenge [16]byte) ([8]byte, error) {
	var mac [8]byte
	k0, k1, err := sessionKeys(psk, challenge)
	if err != nil {
		return mac, err
	}
	binary.LittleEndian.PutUint64(mac[:], siphash.Hash(k0, k1, challenge[:]))
	return mac, nil
}

// VerifyMAC recomputes the expected MAC server-side and compares it to
// the client's AUTH payload in constant time.
func VerifyMAC(psk []byte, challenge [16]byte, mac [8]byte) (bool, error) {
	want, err := ComputeMAC(psk, challenge)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want[:], mac[:]) == 1, nil
}
