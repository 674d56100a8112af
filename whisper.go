package seraph

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// RingDepth is the fixed power-of-two depth of each SPSC ring.
const RingDepth = 64

const ringMask = RingDepth - 1

// ring is a single-producer single-consumer queue of whole messages.
// head is written only by the producer, tail only by the consumer; the
// store of head releases the slot the matching load of head acquires.
type ring struct {
	buf  [RingDepth]Message
	head uint64
	tail uint64
}

func (r *ring) len() uint64 {
	return atomic.LoadUint64(&r.head) - atomic.LoadUint64(&r.tail)
}

func (r *ring) empty() bool { return r.len() == 0 }
func (r *ring) full() bool  { return r.len() >= RingDepth }

func (r *ring) enqueue(m *Message) bool {
	head := atomic.LoadUint64(&r.head)
	if head-atomic.LoadUint64(&r.tail) >= RingDepth {
		return false
	}
	r.buf[head&ringMask] = *m
	atomic.StoreUint64(&r.head, head+1)
	return true
}

func (r *ring) dequeue(out *Message) bool {
	tail := atomic.LoadUint64(&r.tail)
	if atomic.LoadUint64(&r.head) == tail {
		return false
	}
	*out = r.buf[tail&ringMask]
	atomic.StoreUint64(&r.tail, tail+1)
	return true
}

func (r *ring) peek(out *Message) bool {
	tail := atomic.LoadUint64(&r.tail)
	if atomic.LoadUint64(&r.head) == tail {
		return false
	}
	*out = r.buf[tail&ringMask]
	return true
}

// EndpointStats is a point-in-time copy of an endpoint's counters.
type EndpointStats struct {
	TotalSent        uint64
	TotalReceived    uint64
	TotalDropped     uint64
	TotalLends       uint64
	TotalReturns     uint64
	TotalExpirations uint64
	TotalRevocations uint64
}

// Endpoint is one side of a Whisper channel: a send ring, a receive
// ring, and the lend registry for capabilities this side has lent out.
type Endpoint struct {
	id        uint64
	channel   *Channel
	connected uint32

	send ring
	recv ring

	lastActivity uint64
	lastVoid     uint64

	stats EndpointStats

	mu          sync.Mutex
	lends       [MaxLends]LendRecord
	activeLends uint32
}

func (ep *Endpoint) ID() uint64 { return ep.id }

func (ep *Endpoint) Connected() bool {
	return ep != nil && atomic.LoadUint32(&ep.connected) != 0
}

// LastVoid is the most recent void id this endpoint observed. Queryable
// state, not a return channel: every operation also hands its void id
// back explicitly.
func (ep *Endpoint) LastVoid() uint64 { return atomic.LoadUint64(&ep.lastVoid) }

func (ep *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		TotalSent:        atomic.LoadUint64(&ep.stats.TotalSent),
		TotalReceived:    atomic.LoadUint64(&ep.stats.TotalReceived),
		TotalDropped:     atomic.LoadUint64(&ep.stats.TotalDropped),
		TotalLends:       atomic.LoadUint64(&ep.stats.TotalLends),
		TotalReturns:     atomic.LoadUint64(&ep.stats.TotalReturns),
		TotalExpirations: atomic.LoadUint64(&ep.stats.TotalExpirations),
		TotalRevocations: atomic.LoadUint64(&ep.stats.TotalRevocations),
	}
}

var (
	nextChannelID  uint64
	nextEndpointID uint64
)

// Channel is a pair of endpoints. The channel owns its endpoints and
// the message id counter; the generation stamps every endpoint
// capability minted, so destroying the channel revokes them all at once.
type Channel struct {
	id         uint64
	generation uint32
	active     uint32
	destroyed  uint32
	nextMsgID  uint64
	chronon    uint64

	parent Endpoint
	child  Endpoint

	trace *VoidTrace
}

// NewChannel creates a connected channel. trace nil selects the process
// default.
func NewChannel(trace *VoidTrace) *Channel {
	if trace == nil {
		trace = defaultTrace
	}
	ch := &Channel{
		id:         atomic.AddUint64(&nextChannelID, 1),
		generation: 1,
		active:     1,
		nextMsgID:  1,
		trace:      trace,
	}
	ch.parent.id = atomic.AddUint64(&nextEndpointID, 1)
	ch.parent.channel = ch
	ch.parent.connected = 1
	ch.child.id = atomic.AddUint64(&nextEndpointID, 1)
	ch.child.channel = ch
	ch.child.connected = 1
	return ch
}

func (ch *Channel) ID() uint64 { return ch.id }

func (ch *Channel) Active() bool {
	return ch != nil && atomic.LoadUint32(&ch.active) != 0
}

func (ch *Channel) Generation() uint32 {
	return atomic.LoadUint32(&ch.generation)
}

func (ch *Channel) Parent() *Endpoint { return &ch.parent }
func (ch *Channel) Child() *Endpoint  { return &ch.child }

func (ch *Channel) tick() uint64 { return atomic.AddUint64(&ch.chronon, 1) }

// Now reads the channel's logical clock.
func (ch *Channel) Now() uint64 { return atomic.LoadUint64(&ch.chronon) }

// EndpointCap mints a capability over the chosen endpoint, stamped with
// the channel generation. The capability is a weak reference: it stops
// resolving the moment the channel is destroyed.
func (ch *Channel) EndpointCap(isChild bool) Capability {
	if ch == nil || !ch.Active() {
		return VoidCapability()
	}
	ep := &ch.parent
	if isChild {
		ep = &ch.child
	}
	base := uint64(uintptr(unsafe.Pointer(ep)))
	return newCapability(base, uint64(unsafe.Sizeof(Endpoint{})), ch.Generation(), PermRW)
}

// ResolveEndpoint validates an endpoint capability against the current
// channel generation.
func (ch *Channel) ResolveEndpoint(c Capability) *Endpoint {
	if ch == nil || c.IsVoid() || c.Generation() != ch.Generation() {
		return nil
	}
	switch c.Base() {
	case uint64(uintptr(unsafe.Pointer(&ch.parent))):
		return &ch.parent
	case uint64(uintptr(unsafe.Pointer(&ch.child))):
		return &ch.child
	}
	return nil
}

// Close disconnects both endpoints. Further sends are VOID; in-flight
// messages stay readable until Destroy.
func (ch *Channel) Close() {
	if ch == nil {
		return
	}
	atomic.StoreUint32(&ch.active, 0)
	atomic.StoreUint32(&ch.parent.connected, 0)
	atomic.StoreUint32(&ch.child.connected, 0)
}

// Destroy closes the channel, drops in-flight messages, and bumps the
// generation, voiding every outstanding endpoint capability.
func (ch *Channel) Destroy() {
	if ch == nil {
		return
	}
	ch.Close()
	atomic.StoreUint32(&ch.destroyed, 1)
	atomic.AddUint32(&ch.generation, 1)
	log.WithField("channel", ch.id).Debug("whisper channel destroyed")
}

func (ch *Channel) Destroyed() bool {
	return ch != nil && atomic.LoadUint32(&ch.destroyed) != 0
}

// NewMessage allocates a message with a fresh channel-scoped id.
func (ch *Channel) NewMessage(t MessageType) *Message {
	if ch == nil {
		return nil
	}
	return &Message{
		ID:   atomic.AddUint64(&ch.nextMsgID, 1),
		Type: t,
	}
}

// Send enqueues msg on ep's send ring. The second return is the void id
// of the failure record, 0 on success. VVoid means a dead endpoint,
// VFalse a full ring (the message is dropped and counted).
func (ep *Endpoint) Send(msg *Message) (VBit, uint64) {
	return ep.SendTracked(msg, 0)
}

// SendTracked is Send with an explicit predecessor void id so callers
// can chain causality across operations.
func (ep *Endpoint) SendTracked(msg *Message, predecessor uint64) (VBit, uint64) {
	if ep == nil || msg == nil {
		id := defaultTrace.Record(VoidNullArg, predecessor, 0, 0, "whisper.Send", "nil endpoint or message")
		return VVoid, id
	}
	ch := ep.channel
	if !ep.Connected() || !ch.Active() {
		id := ch.trace.Record(VoidEndpointDead, predecessor, ep.id, msg.ID, "whisper.Send", "endpoint disconnected")
		atomic.StoreUint64(&ep.lastVoid, id)
		return VVoid, id
	}

	msg.SenderID = ep.id
	msg.SendChronon = ch.tick()
	msg.recomputeVoidCaps()
	if msg.VoidCapCnt > 0 && msg.VoidID == 0 {
		msg.VoidID = ch.trace.Record(VoidCapInMessage, predecessor, ep.id, msg.ID, "whisper.Send", "message carries VOID capabilities")
	}

	if !ep.send.enqueue(msg) {
		atomic.AddUint64(&ep.stats.TotalDropped, 1)
		id := ch.trace.Record(VoidChannelFull, predecessor, ep.id, msg.ID, "whisper.Send", "send ring full")
		atomic.StoreUint64(&ep.lastVoid, id)
		return VFalse, id
	}
	atomic.AddUint64(&ep.stats.TotalSent, 1)
	atomic.StoreUint64(&ep.lastActivity, msg.SendChronon)
	return VTrue, 0
}

// Recv dequeues from ep's receive ring. Non-blocking empty yields a
// VOID message tagged CHANNEL_EMPTY; blocking spins until a message
// arrives or the endpoint dies.
func (ep *Endpoint) Recv(blocking bool) (Message, VBit, uint64) {
	return ep.RecvTracked(blocking, 0)
}

func (ep *Endpoint) RecvTracked(blocking bool, predecessor uint64) (Message, VBit, uint64) {
	var out Message
	if ep == nil {
		id := defaultTrace.Record(VoidNullArg, predecessor, 0, 0, "whisper.Recv", "nil endpoint")
		out.VoidID = id
		return out, VVoid, id
	}
	ch := ep.channel
	if !ep.Connected() {
		// A closed channel still drains what was already delivered; the
		// endpoint is dead only once the ring is empty or the channel is
		// destroyed.
		if !ch.Destroyed() && ep.recv.dequeue(&out) {
			atomic.AddUint64(&ep.stats.TotalReceived, 1)
			if out.VoidID != 0 {
				atomic.StoreUint64(&ep.lastVoid, out.VoidID)
			}
			return out, VTrue, 0
		}
		id := ch.trace.Record(VoidEndpointDead, predecessor, ep.id, 0, "whisper.Recv", "endpoint disconnected")
		atomic.StoreUint64(&ep.lastVoid, id)
		out.VoidID = id
		return out, VVoid, id
	}

	for !ep.recv.dequeue(&out) {
		if !blocking {
			id := ch.trace.Record(VoidChannelEmpty, predecessor, ep.id, 0, "whisper.Recv", "receive ring empty")
			atomic.StoreUint64(&ep.lastVoid, id)
			out.VoidID = id
			return out, VFalse, id
		}
		if !ep.Connected() {
			if !ch.Destroyed() && ep.recv.dequeue(&out) {
				break
			}
			id := ch.trace.Record(VoidEndpointDead, predecessor, ep.id, 0, "whisper.Recv", "endpoint died while blocked")
			atomic.StoreUint64(&ep.lastVoid, id)
			out.VoidID = id
			return out, VVoid, id
		}
		runtime.Gosched()
	}

	atomic.AddUint64(&ep.stats.TotalReceived, 1)
	atomic.StoreUint64(&ep.lastActivity, ch.Now())
	if out.VoidID != 0 {
		atomic.StoreUint64(&ep.lastVoid, out.VoidID)
	}
	return out, VTrue, 0
}

// Peek reads the ring head without consuming it.
func (ep *Endpoint) Peek() (Message, VBit, uint64) {
	var out Message
	if ep == nil {
		id := defaultTrace.Record(VoidNullArg, 0, 0, 0, "whisper.Peek", "nil endpoint")
		out.VoidID = id
		return out, VVoid, id
	}
	ch := ep.channel
	if !ep.Connected() {
		if !ch.Destroyed() && ep.recv.peek(&out) {
			return out, VTrue, 0
		}
		id := ch.trace.Record(VoidEndpointDead, 0, ep.id, 0, "whisper.Peek", "endpoint disconnected")
		atomic.StoreUint64(&ep.lastVoid, id)
		out.VoidID = id
		return out, VVoid, id
	}
	if !ep.recv.peek(&out) {
		id := ch.trace.Record(VoidChannelEmpty, 0, ep.id, 0, "whisper.Peek", "receive ring empty")
		out.VoidID = id
		return out, VFalse, id
	}
	return out, VTrue, 0
}

// Transfer drains each endpoint's send ring into the peer's receive
// ring, preserving per-endpoint FIFO order. It is the only coupling
// between the two sides and must be serialized with both producers and
// consumers; a kernel tick or the sender thread drives it.
func (ch *Channel) Transfer() int {
	if ch == nil {
		return 0
	}
	moved := 0
	moved += ch.transferSide(&ch.parent, &ch.child)
	moved += ch.transferSide(&ch.child, &ch.parent)
	return moved
}

func (ch *Channel) transferSide(from, to *Endpoint) int {
	moved := 0
	var m Message
	for {
		if to.recv.full() {
			break
		}
		if !from.send.dequeue(&m) {
			break
		}
		switch m.Type {
		case MsgLend:
			// The lender learns who holds the borrow only now.
			from.bindBorrower(m.ID, to.id)
		case MsgReturn:
			// The receiving side is the lender; settle its registry.
			to.handleReturn(&m)
		}
		to.recv.enqueue(&m)
		moved++
	}
	return moved
}
