package seraph

import (
	"sync/atomic"
)

// MaxLends bounds each endpoint's active lend registry.
const MaxLends = 32

type LendStatus uint32

const (
	LendVoid LendStatus = iota
	LendActive
	LendReturned
	LendExpired
	LendRevoked
)

func (s LendStatus) String() string {
	switch s {
	case LendActive:
		return "ACTIVE"
	case LendReturned:
		return "RETURNED"
	case LendExpired:
		return "EXPIRED"
	case LendRevoked:
		return "REVOKED"
	}
	return "VOID"
}

// LendRecord tracks one outstanding loan of authority. While ACTIVE the
// borrower owns the capability; on expiry the lender regains it and the
// borrower's copy is semantically VOID even though no memory changed.
type LendRecord struct {
	Original           Capability
	Borrowed           Capability
	MessageID          uint64
	LendChronon        uint64
	ExpiryChronon      uint64
	BorrowerEndpointID uint64
	Status             LendStatus
}

// Lend sends cap to the peer as a LEND with the given timeout in
// chronons (0 means no expiry). Returns the lend message id for later
// revoke or return matching, plus the void id on failure.
func (ep *Endpoint) Lend(c Capability, timeout uint64) (uint64, VBit, uint64) {
	return ep.LendTracked(c, timeout, 0)
}

func (ep *Endpoint) LendTracked(c Capability, timeout uint64, predecessor uint64) (uint64, VBit, uint64) {
	if ep == nil {
		id := defaultTrace.Record(VoidNullArg, predecessor, 0, 0, "whisper.Lend", "nil endpoint")
		return 0, VVoid, id
	}
	ch := ep.channel
	if c.IsVoid() {
		id := ch.trace.Record(VoidNullArg, predecessor, ep.id, 0, "whisper.Lend", "lending a VOID capability")
		atomic.StoreUint64(&ep.lastVoid, id)
		return 0, VVoid, id
	}

	msg := ch.NewMessage(MsgLend)
	msg.Flags = Set(msg.Flags, FlagBorrowed)
	if timeout >= uint64(VoidU32) {
		timeout = uint64(VoidU32) - 1
	}
	msg.LendTimeout = uint32(timeout)
	borrowed := c // the borrow never exceeds the original
	msg.AddCap(borrowed)
	msg.setLendRef(msg.ID)

	ep.mu.Lock()
	slot := -1
	for i := range ep.lends {
		if ep.lends[i].Status == LendVoid {
			slot = i
			break
		}
	}
	if slot < 0 {
		ep.mu.Unlock()
		id := ch.trace.Record(VoidRegistryFull, predecessor, ep.id, msg.ID, "whisper.Lend", "lend registry full")
		atomic.StoreUint64(&ep.lastVoid, id)
		return 0, VFalse, id
	}
	now := ch.Now()
	expiry := uint64(0)
	if timeout > 0 {
		expiry = now + timeout
	}
	ep.lends[slot] = LendRecord{
		Original:      c,
		Borrowed:      borrowed,
		MessageID:     msg.ID,
		LendChronon:   now,
		ExpiryChronon: expiry,
		Status:        LendActive,
	}
	ep.activeLends++
	atomic.AddUint64(&ep.stats.TotalLends, 1)
	ep.mu.Unlock()

	res, voidID := ep.SendTracked(msg, predecessor)
	if res != VTrue {
		ep.mu.Lock()
		ep.lends[slot] = LendRecord{}
		ep.activeLends--
		ep.mu.Unlock()
		return 0, res, voidID
	}
	return msg.ID, VTrue, 0
}

// ActiveLendCount equals the number of registry entries in ACTIVE state.
func (ep *Endpoint) ActiveLendCount() uint32 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.activeLends
}

// LendStatusOf looks a lend up by its message id.
func (ep *Endpoint) LendStatusOf(messageID uint64) LendStatus {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i := range ep.lends {
		if ep.lends[i].MessageID == messageID && ep.lends[i].Status != LendVoid {
			return ep.lends[i].Status
		}
	}
	return LendVoid
}

// ProcessLends expires every ACTIVE lend whose deadline is at or before
// now, recording a VOID per expiry, and reports how many fell.
func (ep *Endpoint) ProcessLends(now uint64) int {
	if ep == nil {
		return 0
	}
	ch := ep.channel
	expired := 0
	ep.mu.Lock()
	for i := range ep.lends {
		l := &ep.lends[i]
		if l.Status != LendActive || l.ExpiryChronon == 0 || now < l.ExpiryChronon {
			continue
		}
		l.Status = LendExpired
		ep.activeLends--
		atomic.AddUint64(&ep.stats.TotalExpirations, 1)
		id := ch.trace.Record(VoidLendExpired, 0, ep.id, l.MessageID, "whisper.ProcessLends", "lend expired")
		atomic.StoreUint64(&ep.lastVoid, id)
		expired++
	}
	ep.mu.Unlock()
	return expired
}

// RevokeLend forcibly ends an ACTIVE lend. VFalse when the lend is
// unknown or already settled.
func (ep *Endpoint) RevokeLend(messageID uint64) VBit {
	return ep.RevokeLendTracked(messageID, 0)
}

func (ep *Endpoint) RevokeLendTracked(messageID, predecessor uint64) VBit {
	if ep == nil {
		return VVoid
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i := range ep.lends {
		l := &ep.lends[i]
		if l.MessageID != messageID || l.Status != LendActive {
			continue
		}
		l.Status = LendRevoked
		ep.activeLends--
		atomic.AddUint64(&ep.stats.TotalRevocations, 1)
		return VTrue
	}
	ep.channel.trace.Record(VoidStateViolation, predecessor, ep.id, messageID, "whisper.RevokeLend", "no ACTIVE lend with that id")
	return VFalse
}

// bindBorrower fills in the borrower endpoint id once transfer reveals
// which side received the LEND.
func (ep *Endpoint) bindBorrower(lendMessageID, borrowerID uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i := range ep.lends {
		if ep.lends[i].MessageID == lendMessageID && ep.lends[i].Status == LendActive {
			ep.lends[i].BorrowerEndpointID = borrowerID
			return
		}
	}
}

// handleReturn settles a RETURN against the registry, matching by the
// carried lend id first and the borrowed capability's base second. A
// return with no ACTIVE match is ignored and reported, never fatal.
func (ep *Endpoint) handleReturn(msg *Message) VBit {
	if ep == nil || msg == nil {
		return VVoid
	}
	ref := msg.lendRef()
	returned := msg.Cap(0)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i := range ep.lends {
		l := &ep.lends[i]
		if l.Status != LendActive {
			continue
		}
		if l.MessageID == ref || (!returned.IsVoid() && l.Borrowed.Base() == returned.Base()) {
			l.Status = LendReturned
			ep.activeLends--
			atomic.AddUint64(&ep.stats.TotalReturns, 1)
			return VTrue
		}
	}
	return VFalse
}

// ReturnCap hands a borrowed capability back, quoting the lend id so the
// lender's registry can settle it at transfer time.
func (ep *Endpoint) ReturnCap(c Capability, lendMessageID uint64) (VBit, uint64) {
	if ep == nil {
		id := defaultTrace.Record(VoidNullArg, 0, 0, 0, "whisper.ReturnCap", "nil endpoint")
		return VVoid, id
	}
	msg := ep.channel.NewMessage(MsgReturn)
	msg.AddCap(c)
	msg.setLendRef(lendMessageID)
	return ep.Send(msg)
}
