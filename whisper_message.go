package seraph

import (
	"encoding/binary"
)

type MessageType uint8

const (
	MsgVoid MessageType = iota
	MsgRequest
	MsgResponse
	MsgNotification
	MsgGrant
	MsgLend
	MsgReturn
	MsgDerive
	MsgCopy
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgResponse:
		return "RESPONSE"
	case MsgNotification:
		return "NOTIFICATION"
	case MsgGrant:
		return "GRANT"
	case MsgLend:
		return "LEND"
	case MsgReturn:
		return "RETURN"
	case MsgDerive:
		return "DERIVE"
	case MsgCopy:
		return "COPY"
	}
	return "VOID"
}

type MessageFlag uint16

const (
	FlagUrgent MessageFlag = 1 << iota
	FlagReplyReq
	FlagOrdered
	FlagIdempotent
	FlagBorrowed
	FlagBroadcast
)

const (
	// MessageSize is fixed: messages are copied whole through the rings
	// and the layout is reused verbatim if a transport is bolted on.
	MessageSize    = 256
	MaxMessageCaps = 7
)

// Message is the 256-byte Whisper unit. It transfers authority, not
// data: up to seven capability records ride in the body, and the void
// fields tell a receiver both that and why the message carries absence.
type Message struct {
	ID          uint64
	SenderID    uint64
	SendChronon uint64
	Type        MessageType
	CapCount    uint8
	Flags       MessageFlag
	LendTimeout uint32
	Caps        [MaxMessageCaps]Capability
	VoidID      uint64
	VoidCapMask uint8
	VoidCapCnt  uint8
	Reserved    [46]byte
}

// AddCap appends a capability, VOID or not; the mask tracks which slots
// are absent. VFalse once all seven slots are taken.
func (m *Message) AddCap(c Capability) VBit {
	if m == nil {
		return VVoid
	}
	if m.CapCount >= MaxMessageCaps {
		return VFalse
	}
	m.Caps[m.CapCount] = c
	if c.IsVoid() {
		m.VoidCapMask |= 1 << m.CapCount
		m.VoidCapCnt++
	}
	m.CapCount++
	return VTrue
}

// Cap returns the i-th carried capability; out-of-range is VOID.
func (m *Message) Cap(i int) Capability {
	if m == nil || i < 0 || i >= int(m.CapCount) {
		return VoidCapability()
	}
	return m.Caps[i]
}

// recomputeVoidCaps rebuilds the mask; send stamps it so a receiver can
// trust it even when the sender mutated Caps directly.
func (m *Message) recomputeVoidCaps() {
	m.VoidCapMask = 0
	m.VoidCapCnt = 0
	for i := uint8(0); i < m.CapCount && i < MaxMessageCaps; i++ {
		if m.Caps[i].IsVoid() {
			m.VoidCapMask |= 1 << i
			m.VoidCapCnt++
		}
	}
}

// The first reserved slot carries the originating lend's message id on
// RETURN messages. Unaligned offset, hence binary over the byte slice.
func (m *Message) lendRef() uint64 {
	return binary.NativeEndian.Uint64(m.Reserved[:8])
}

func (m *Message) setLendRef(id uint64) {
	binary.NativeEndian.PutUint64(m.Reserved[:8], id)
}

// IsVoidMessage reports a message that exists only to carry a failure.
func (m *Message) IsVoidMessage() bool {
	return m == nil || m.Type == MsgVoid
}
