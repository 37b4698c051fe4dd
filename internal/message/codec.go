// SPDX-License-Identifier: AGPL-3.0-or-later
// busmesh - Typed message bus for cooperating endpoints
// Copyright (C) 2023-2026 Jacob McSwain
//
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
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/busmesh/busmesh>

package message

import (
	"time"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/tinylib/msgp/msgp"
)

//msgp:tuple Message

// fieldCount is the number of fields Message encodes as a msgp array (tuple
// encoding, matching //msgp:tuple): smaller and faster than map encoding
// since field names never hit the wire.
const fieldCount = 12

// MarshalMsg appends the msgp encoding of m to b. Hand-written in the shape
// `go run github.com/tinylib/msgp` would produce for a //msgp:tuple type,
// since the generator is not run as part of this build.
func (m Message) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, fieldCount)
	o = msgp.AppendUint64(o, uint64(m.Source))
	o = msgp.AppendUint64(o, uint64(m.Target))
	o = msgp.AppendUint64(o, uint64(m.ID.Class))
	o = msgp.AppendUint64(o, uint64(m.ID.Method))
	o = msgp.AppendUint64(o, m.Sequence)
	o = msgp.AppendUint8(o, uint8(m.Priority))
	o = msgp.AppendUint8(o, m.HopCount)
	o = msgp.AppendUint64(o, m.AgeMS)
	o = msgp.AppendUint64(o, uint64(m.Serializer))
	o = msgp.AppendUint8(o, uint8(m.Verification))
	o = msgp.AppendBytes(o, m.Signature)
	o = msgp.AppendBytes(o, m.Content)
	return o, nil
}

// UnmarshalMsg decodes a Message from the front of bts, returning the
// remaining unread bytes.
func (m *Message) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if n != fieldCount {
		return bts, msgp.ArrayError{Wanted: fieldCount, Got: n}
	}

	var u64 uint64
	var u8 uint8

	if u64, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	m.Source = ident.EndpointID(u64)

	if u64, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	m.Target = ident.EndpointID(u64)

	if u64, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	m.ID.Class = ident.Identifier(u64)

	if u64, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	m.ID.Method = ident.Identifier(u64)

	if m.Sequence, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}

	if u8, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return bts, err
	}
	m.Priority = Priority(u8)

	if m.HopCount, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return bts, err
	}

	if m.AgeMS, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}

	if u64, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	m.Serializer = ident.Identifier(u64)

	if u8, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return bts, err
	}
	m.Verification = VerificationBits(u8)

	if m.Signature, bts, err = msgp.ReadBytesBytes(bts, m.Signature[:0]); err != nil {
		return bts, err
	}

	if m.Content, bts, err = msgp.ReadBytesBytes(bts, m.Content[:0]); err != nil {
		return bts, err
	}

	// Decoding is the receipt point: AgeMS is current as of now on this
	// node, so forwarders can fold local dwell into it via Elapsed.
	m.Stamped = time.Now()

	return bts, nil
}

// Msgsize returns a conservative upper bound on the encoded size of m, used
// to presize the frame buffer the way generated Msgsize methods do.
func (m Message) Msgsize() int {
	return msgp.ArrayHeaderSize +
		7*msgp.Uint64Size + 3*msgp.Uint8Size +
		msgp.BytesPrefixSize + len(m.Signature) +
		msgp.BytesPrefixSize + len(m.Content)
}
