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

package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/hypershell/hypershell/internal/task"
)

// headerMagic distinguishes a HyperShell frame from any other protocol
// that might end up on the same port; chosen, like tenant/tnproto's own
// magic, to never collide with the start of a text-based protocol.
const headerMagic uint64 = 0xd15c0a1e8badf00d

// MaxPayloadSize bounds a single frame's payload so a corrupt or hostile
// peer can't make a reader allocate unboundedly.
const MaxPayloadSize = 64 << 20

const headerSize = 8 + 1 + 4 // magic + type + length

// WriteFrame encodes payload with gob and writes it as a single frame:
// magic, type byte, uint32 big-endian length, then the gob body.
func WriteFrame(w io.Writer, t Type, payload any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := gob.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("wire: encoding %s frame: %w", t, err)
		}
	}
	if body.Len() > MaxPayloadSize {
		return fmt.Errorf("wire: %s payload %d bytes exceeds max %d", t, body.Len(), MaxPayloadSize)
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], headerMagic)
	hdr[8] = byte(t)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(body.Len()))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing %s header: %w", t, err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: writing %s body: %w", t, err)
	}
	return nil
}

// ReadFrame reads one frame's header and raw payload. Callers decode the
// payload with DecodePayload once they know, from the returned Type,
// which concrete struct to decode into.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: reading frame header: %w", task.ErrTransport, err)
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != headerMagic {
		return 0, nil, fmt.Errorf("%w: bad frame magic %x", task.ErrTransport, magic)
	}
	t := Type(hdr[8])
	length := binary.BigEndian.Uint32(hdr[9:13])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: frame length %d exceeds max %d", task.ErrTransport, length, MaxPayloadSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: reading frame body: %v", task.ErrTransport, err)
	}
	return t, payload, nil
}

// DecodePayload gob-decodes a frame's raw payload into v, which must be a
// pointer to the struct matching the frame's Type.
func DecodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding payload: %v", task.ErrTransport, err)
	}
	return nil
}
