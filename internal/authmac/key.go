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

// Package authmac implements the dispatch server's challenge/MAC
// authentication handshake (spec.md §4.4): a symmetric pre-shared key, a
// random per-session challenge, and a keyed MAC the client must return.
package authmac

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DefaultKey is the sentinel pre-shared key used when an operator hasn't
// configured one. It is explicitly meant to fail authentication (or, for
// a deployment that intentionally disables auth, to warn loudly that it
// is doing so) rather than silently accept connections.
const DefaultKey = "--BADKEY--"

// GenerateKey returns a fresh random 128-bit key, hex-encoded, for
// cluster mode's autogeneration path (spec.md §4.4).
func GenerateKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("authmac: generating key: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// ParseKey decodes a hex-encoded pre-shared key into raw bytes. The
// literal DefaultKey string is accepted too (taken as its raw ASCII
// bytes, not hex-decoded) so it can flow through the same code path and
// still fail every real handshake.
func ParseKey(s string) ([]byte, error) {
	if s == DefaultKey {
		return []byte(DefaultKey), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("authmac: key %q is not valid hex: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("authmac: key must not be empty")
	}
	return b, nil
}
