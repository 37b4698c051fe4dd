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

// Package ident implements the bus's compact identifiers: 64-bit tags packed
// from up to ten printable characters, endpoint ids, process-instance
// nonces, and the (class, method) message-id pair used to classify every
// message on the wire.
package ident

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Identifier is a 64-bit tag built from at most ten characters drawn from
// alphabet. It is cheap to copy and compare, and is used for message
// classes/methods and for naming objects such as BLOB classes.
type Identifier uint64

// MaxChars is the longest string Pack can encode into an Identifier.
const MaxChars = 10

// alphabet is the 64-symbol character set packed 6 bits per character. Index
// 0 is reserved so the zero Identifier decodes to the empty string.
const alphabet = " ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_"

var charIndex = buildCharIndex()

func buildCharIndex() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		idx[alphabet[i]] = int8(i)
	}
	return idx
}

// ErrIdentifierTooLong is returned by Pack when given more than MaxChars
// characters.
var ErrIdentifierTooLong = errors.New("identifier: string exceeds 10 characters")

// ErrIdentifierChar is returned by Pack when given a character outside the
// packable alphabet.
var ErrIdentifierChar = fmt.Errorf("identifier: character not in alphabet %q", alphabet)

// Pack encodes s into an Identifier, six bits per character, most
// significant character first. It returns ErrIdentifierTooLong or
// ErrIdentifierChar if s cannot be packed.
func Pack(s string) (Identifier, error) {
	if len(s) > MaxChars {
		return 0, fmt.Errorf("%w: %q", ErrIdentifierTooLong, s)
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := charIndex[s[i]]
		if c < 0 {
			return 0, fmt.Errorf("%w: %q", ErrIdentifierChar, s[i])
		}
		v = v<<6 | uint64(c)
	}
	// Left-pad so that strings shorter than MaxChars still decode exactly.
	v <<= 6 * uint(MaxChars-len(s))
	return Identifier(v), nil
}

// MustPack is Pack but panics on error. Intended for package-level
// identifier constants built from string literals known to be valid.
func MustPack(s string) Identifier {
	id, err := Pack(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String decodes the Identifier back into its source characters, trimming
// the implicit right padding.
func (id Identifier) String() string {
	var b strings.Builder
	v := uint64(id)
	for i := 0; i < MaxChars; i++ {
		shift := 6 * uint(MaxChars-1-i)
		c := (v >> shift) & 0x3f
		if c == 0 {
			continue
		}
		b.WriteByte(alphabet[c])
	}
	return b.String()
}

// IsZero reports whether id packs the empty string.
func (id Identifier) IsZero() bool { return id == 0 }

// MessageID identifies the type of a message: the pair of a class and a
// method identifier, e.g. (StrUtilReq, Reverse).
type MessageID struct {
	Class  Identifier
	Method Identifier
}

// String renders the message id as "class/method".
func (m MessageID) String() string {
	return m.Class.String() + "/" + m.Method.String()
}

// MsgBusClass is the reserved class identifier marking control ("special")
// messages.
var MsgBusClass = MustPack("eagiMsgBus")

// IsSpecial reports whether m belongs to the reserved control-message class.
func (m MessageID) IsSpecial() bool { return m.Class == MsgBusClass }

// ControlMethod builds a control MessageID (class eagiMsgBus, method name).
func ControlMethod(method string) MessageID {
	return MessageID{Class: MsgBusClass, Method: MustPack(method)}
}

// Control method identifiers recognised by routers, bridges, and endpoints.
var (
	MethodAssignID    = ControlMethod("assignId")
	MethodConfirmID   = ControlMethod("confirmId")
	MethodNotARouter  = ControlMethod("notARouter")
	MethodStillAlive  = ControlMethod("stillAlive")
	MethodSubscribeTo = ControlMethod("subscribTo")
	MethodUnsubFrom   = ControlMethod("unsubFrom")
	MethodNotSubTo    = ControlMethod("notSubTo")
	MethodQrySubscrb  = ControlMethod("qrySubscrb")
	MethodQrySubscrp  = ControlMethod("qrySubscrp")
	MethodPing        = ControlMethod("ping")
	MethodPong        = ControlMethod("pong")
	MethodShutdown    = ControlMethod("shutdown")
	MethodByeByeEndp  = ControlMethod("byeByeEndp")
	MethodByeByeRutr  = ControlMethod("byeByeRutr")
	MethodByeByeBrdg  = ControlMethod("byeByeBrdg")
	MethodTopoEndpt   = ControlMethod("topoEndpt")
	MethodTopoRutrCn  = ControlMethod("topoRutrCn")
	MethodTopoBrdgCn  = ControlMethod("topoBrdgCn")
	MethodTopoQuery   = ControlMethod("topoQuery")
	MethodStatsEndpt  = ControlMethod("statsEndpt")
	MethodStatsRutr   = ControlMethod("statsRutr")
	MethodStatsBrdg   = ControlMethod("statsBrdg")
	MethodStatsConn   = ControlMethod("statsConn")
	MethodStatsQuery  = ControlMethod("statsQuery")
	MethodBlobFrgmnt  = ControlMethod("blobFrgmnt")
	MethodBlobResend  = ControlMethod("blobResend")
	MethodFlowInfo    = ControlMethod("flowInfo")
	MethodCertQuery   = ControlMethod("certQuery")
	MethodCertReply   = ControlMethod("certReply")
)

// EndpointID names a node on the bus. The range [1, firstUserID) is
// reserved for router-assigned private ids; Broadcast is a distinguished
// target meaning "every subscriber".
type EndpointID uint64

// Broadcast is the distinguished target id meaning "every subscribed link".
const Broadcast EndpointID = 0

// FirstUserID is the smallest endpoint id a router will ever hand out as a
// "real" identity; ids below it are reserved for pending/private use.
const FirstUserID EndpointID = 1

// IsValid reports whether id is a concrete (non-broadcast) endpoint id.
func (id EndpointID) IsValid() bool { return id != Broadcast }

// NodeKind classifies what kind of node sits at the far end of a link, so a
// router's topology and stats responders can report the right announcement
// method for it (topoEndpt/topoRutrCn/topoBrdgCn, statsEndpt/statsRutr/statsBrdg).
type NodeKind uint8

const (
	// NodeKindUnknown is the default before a link has declared itself.
	NodeKindUnknown NodeKind = iota
	// NodeKindEndpoint is an ordinary bus client.
	NodeKindEndpoint
	// NodeKindRouter is another router, reached as an uplink or a
	// cluster peer.
	NodeKindRouter
	// NodeKindBridge is a bridge process relaying to another router.
	NodeKindBridge
)

// ProcessInstanceID is a random 32-bit nonce chosen once per process start,
// used by routers to detect when a peer endpoint has restarted (the nonce
// changes, invalidating cached subscription state for that peer).
type ProcessInstanceID uint32

// NewProcessInstanceID draws a fresh random nonce.
func NewProcessInstanceID() ProcessInstanceID {
	return ProcessInstanceID(rand.Uint32()) //nolint:gosec // not security sensitive, just a restart marker
}
