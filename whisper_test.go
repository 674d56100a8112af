package seraph

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestChannelSendTransferRecv(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)
	arena := NewArena(4096, 0)
	defer arena.Destroy()

	c := arena.Cap(128, 8, PermRW)
	msg := ch.NewMessage(MsgRequest)
	assert.Equal(VTrue, msg.AddCap(c))
	sentID := msg.ID

	res, voidID := ch.Parent().Send(msg)
	assert.Equal(VTrue, res)
	assert.Zero(voidID)

	assert.Equal(1, ch.Transfer())

	got, res, _ := ch.Child().Recv(false)
	assert.Equal(VTrue, res)
	assert.Equal(sentID, got.ID)
	assert.Equal(ch.Parent().ID(), got.SenderID)
	assert.Equal(MsgRequest, got.Type)
	assert.NotZero(got.SendChronon)
	assert.Equal(uint8(1), got.CapCount)
	assert.Equal(c.Base(), got.Cap(0).Base())
	assert.Equal(c.Length(), got.Cap(0).Length())

	assert.Equal(uint64(1), ch.Parent().Stats().TotalSent)
	assert.Equal(uint64(1), ch.Child().Stats().TotalReceived)
}

func TestChannelFIFO(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	var ids []uint64
	for i := 0; i < 10; i++ {
		m := ch.NewMessage(MsgNotification)
		ids = append(ids, m.ID)
		res, _ := ch.Parent().Send(m)
		assert.Equal(VTrue, res)
	}
	assert.Equal(10, ch.Transfer())
	for i := 0; i < 10; i++ {
		got, res, _ := ch.Child().Recv(false)
		assert.Equal(VTrue, res)
		assert.Equal(ids[i], got.ID)
	}
}

func TestSendRingFull(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)
	ep := ch.Parent()

	for i := 0; i < RingDepth; i++ {
		res, _ := ep.Send(ch.NewMessage(MsgNotification))
		assert.Equal(VTrue, res)
	}
	res, voidID := ep.Send(ch.NewMessage(MsgNotification))
	assert.Equal(VFalse, res)
	assert.NotZero(voidID)
	assert.Equal(voidID, ep.LastVoid())
	assert.Equal(uint64(1), ep.Stats().TotalDropped)

	rec, ok := defaultTrace.Lookup(voidID)
	assert.True(ok)
	assert.Equal(VoidChannelFull, rec.Reason)

	// Draining the peer makes room again.
	ch.Transfer()
	res, _ = ep.Send(ch.NewMessage(MsgNotification))
	assert.Equal(VTrue, res)
}

func TestRecvEmptyNonBlocking(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	got, res, voidID := ch.Child().Recv(false)
	assert.Equal(VFalse, res)
	assert.NotZero(voidID)
	assert.True(got.IsVoidMessage())
	assert.Equal(voidID, got.VoidID)

	rec, ok := defaultTrace.Lookup(voidID)
	assert.True(ok)
	assert.Equal(VoidChannelEmpty, rec.Reason)
}

func TestCloseKeepsInFlightReadable(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	m := ch.NewMessage(MsgRequest)
	ch.Parent().Send(m)
	ch.Transfer()
	ch.Close()

	// Sends die immediately on a closed channel.
	res, voidID := ch.Parent().Send(ch.NewMessage(MsgRequest))
	assert.Equal(VVoid, res)
	assert.NotZero(voidID)
	rec, _ := defaultTrace.Lookup(voidID)
	assert.Equal(VoidEndpointDead, rec.Reason)

	// The message already in flight stays readable until Destroy.
	peeked, res, _ := ch.Child().Peek()
	assert.Equal(VTrue, res)
	assert.Equal(m.ID, peeked.ID)

	got, res, _ := ch.Child().Recv(false)
	assert.Equal(VTrue, res)
	assert.Equal(m.ID, got.ID)

	// Drained ring on a closed channel is dead, not merely empty.
	_, res, voidID = ch.Child().Recv(false)
	assert.Equal(VVoid, res)
	rec, _ = defaultTrace.Lookup(voidID)
	assert.Equal(VoidEndpointDead, rec.Reason)
}

func TestDestroyDropsInFlight(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	ch.Parent().Send(ch.NewMessage(MsgRequest))
	ch.Transfer()
	ch.Destroy()

	_, res, _ := ch.Child().Peek()
	assert.Equal(VVoid, res)
	_, res, _ = ch.Child().Recv(false)
	assert.Equal(VVoid, res)
}

func TestDestroyRevokesEndpointCaps(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	pc := ch.EndpointCap(false)
	cc := ch.EndpointCap(true)
	assert.Equal(ch.Parent(), ch.ResolveEndpoint(pc))
	assert.Equal(ch.Child(), ch.ResolveEndpoint(cc))

	ch.Destroy()
	assert.Nil(ch.ResolveEndpoint(pc))
	assert.Nil(ch.ResolveEndpoint(cc))
	assert.True(ch.EndpointCap(false).IsVoid())
}

func TestPeekDoesNotConsume(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	_, res, _ := ch.Child().Peek()
	assert.Equal(VFalse, res)

	m := ch.NewMessage(MsgRequest)
	ch.Parent().Send(m)
	ch.Transfer()

	peeked, res, _ := ch.Child().Peek()
	assert.Equal(VTrue, res)
	got, res, _ := ch.Child().Recv(false)
	assert.Equal(VTrue, res)
	assert.Equal(peeked.ID, got.ID)
}

func TestVoidCapabilityInMessage(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)

	m := ch.NewMessage(MsgGrant)
	m.AddCap(VoidCapability())
	res, _ := ch.Parent().Send(m)
	assert.Equal(VTrue, res) // carrying absence is legal
	ch.Transfer()

	got, res, _ := ch.Child().Recv(false)
	assert.Equal(VTrue, res)
	assert.Equal(uint8(1), got.VoidCapCnt)
	assert.Equal(uint8(1), got.VoidCapMask)
	assert.NotZero(got.VoidID)

	rec, ok := defaultTrace.Lookup(got.VoidID)
	assert.True(ok)
	assert.Equal(VoidCapInMessage, rec.Reason)
	assert.True(got.Cap(0).IsVoid())
}

func TestSendTrackedChainsCausality(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)
	ch.Close()

	_, first := ch.Parent().Send(ch.NewMessage(MsgRequest))
	_, second := ch.Parent().SendTracked(ch.NewMessage(MsgRequest), first)

	chain := defaultTrace.Chain(second)
	assert.Len(chain, 2)
	assert.Equal(second, chain[0].ID)
	assert.Equal(first, chain[1].ID)
}

func TestMessageCapSlots(t *testing.T) {
	assert := assertion.New(t)
	ch := NewChannel(nil)
	arena := NewArena(4096, 0)
	defer arena.Destroy()

	m := ch.NewMessage(MsgGrant)
	for i := 0; i < MaxMessageCaps; i++ {
		assert.Equal(VTrue, m.AddCap(arena.Cap(16, 8, PermRead)))
	}
	assert.Equal(VFalse, m.AddCap(arena.Cap(16, 8, PermRead)))
	assert.True(m.Cap(MaxMessageCaps).IsVoid())
	assert.True(m.Cap(-1).IsVoid())
}
