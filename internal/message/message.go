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

// Package message defines the wire-level record carried over every
// connection: a typed payload addressed by source/target endpoint id,
// classified by a (class, method) message id, and stamped with sequence
// number, priority, hop count, and age.
package message

import (
	"time"

	"github.com/busmesh/busmesh/internal/ident"
)

//go:generate go run github.com/tinylib/msgp -tests=false

// Priority orders how eagerly an endpoint drains its outgoing queues.
// Ordering is weak: higher priority is never preempted by lower within one
// endpoint's send tick, but priority alone does not guarantee delivery
// order across hops.
type Priority uint8

const (
	// PriorityIdle is sent only when nothing else is pending.
	PriorityIdle Priority = iota
	// PriorityLow is for background, non-interactive traffic.
	PriorityLow
	// PriorityNormal is the default priority for application messages.
	PriorityNormal
	// PriorityHigh is for latency-sensitive control traffic.
	PriorityHigh
	// PriorityCritical is for messages that must win every race, such as
	// shutdown requests.
	PriorityCritical
)

// NumPriorities is the number of distinct priority levels, used to size
// per-priority queue arrays.
const NumPriorities = int(PriorityCritical) + 1

// String renders a priority for logging.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MaxHopCount is the largest hop count a message may carry; routing that
// would exceed it drops the message.
const MaxHopCount uint8 = 127

// VerificationBits flags which identity attributes of a message were
// validated by the infrastructure before handlers saw it.
type VerificationBits uint8

const (
	// VerifiedSourceID means the source endpoint id was authenticated.
	VerifiedSourceID VerificationBits = 1 << iota
	// VerifiedSourceCertificate means the sender's certificate checked out.
	VerifiedSourceCertificate
	// VerifiedSourcePrivateKey means the message signature matched the
	// sender's known public key.
	VerifiedSourcePrivateKey
	// VerifiedMessageID means the (class, method) pair is one the sender
	// is known to be allowed to emit.
	VerifiedMessageID
)

// Has reports whether all bits in want are set.
func (v VerificationBits) Has(want VerificationBits) bool { return v&want == want }

// SequenceKey identifies the (endpoint, message-id) stream a sequence
// counter belongs to. Sequence numbers are strictly increasing per
// (endpoint, message-id) pair.
type SequenceKey struct {
	Source ident.EndpointID
	ID     ident.MessageID
}

// Message is the bus's wire record: everything forwarded as a unit between
// connections.
type Message struct {
	Source       ident.EndpointID
	Target       ident.EndpointID
	ID           ident.MessageID
	Sequence     uint64
	Priority     Priority
	HopCount     uint8
	AgeMS        uint64
	Serializer   ident.Identifier
	Signature    []byte
	Verification VerificationBits
	Content      []byte

	// Stamped is the local monotonic time AgeMS was last brought up to
	// date: at creation, at decode on receipt, or at the previous Bump.
	// It never goes on the wire; each node keeps its own stamp.
	Stamped time.Time
}

// New builds a Message with zero hop count and age, stamped now, ready to
// post.
func New(source, target ident.EndpointID, id ident.MessageID, sequence uint64, priority Priority, content []byte) Message {
	return Message{
		Source:   source,
		Target:   target,
		ID:       id,
		Sequence: sequence,
		Priority: priority,
		Content:  content,
		Stamped:  time.Now(),
	}
}

// Age returns the message's accumulated age as a duration.
func (m Message) Age() time.Duration {
	return time.Duration(m.AgeMS) * time.Millisecond
}

// Elapsed returns the monotonic time since AgeMS was last brought up to
// date, the delta a forwarder folds into the age on each hop. Hand-built
// messages that were never stamped report zero.
func (m Message) Elapsed() time.Duration {
	if m.Stamped.IsZero() {
		return 0
	}
	return time.Since(m.Stamped)
}

// Bump returns a copy of m with elapsed added to its age, a fresh stamp,
// and its hop count incremented by one, as happens on every router or
// bridge forward. Hop count is monotonically non-decreasing along any
// forwarding path; age accumulates across hops.
func (m Message) Bump(elapsed time.Duration) Message {
	m.AgeMS += uint64(elapsed.Milliseconds())
	m.Stamped = time.Now()
	if m.HopCount < MaxHopCount {
		m.HopCount++
	}
	return m
}

// ExceedsHopLimit reports whether forwarding m once more would exceed
// MaxHopCount, in which case the forwarder must drop it and count the drop.
func (m Message) ExceedsHopLimit() bool {
	return m.HopCount >= MaxHopCount
}

// IsSpecial reports whether m is a control (eagiMsgBus-class) message.
func (m Message) IsSpecial() bool { return m.ID.IsSpecial() }

// IsBroadcast reports whether m targets every subscribed link.
func (m Message) IsBroadcast() bool { return m.Target == ident.Broadcast }
