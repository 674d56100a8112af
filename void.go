package seraph

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// VOID sentinels. For every unsigned width the all-ones value is reserved;
// a value equal to the sentinel is absent, not a number.
const (
	VoidU8  uint8  = math.MaxUint8
	VoidU16 uint16 = math.MaxUint16
	VoidU32 uint32 = math.MaxUint32
	VoidU64 uint64 = math.MaxUint64

	// VoidPtr is the reserved address for absent pointers.
	VoidPtr uint64 = math.MaxUint64
)

func IsVoidU8(v uint8) bool   { return v == VoidU8 }
func IsVoidU16(v uint16) bool { return v == VoidU16 }
func IsVoidU32(v uint32) bool { return v == VoidU32 }
func IsVoidU64(v uint64) bool { return v == VoidU64 }
func IsVoidPtr(p uint64) bool { return p == VoidPtr }

// IsVoidF64 reports absence for floats; NaN is the float VOID.
func IsVoidF64(f float64) bool { return f != f }

// VoidF64 returns the float VOID.
func VoidF64() float64 { return math.NaN() }

// AddU64 is VOID-propagating addition: any VOID input yields VOID, as does
// a sum that lands on the sentinel.
func AddU64(a, b uint64) uint64 {
	if IsVoidU64(a) || IsVoidU64(b) {
		return VoidU64
	}
	s := a + b
	if IsVoidU64(s) {
		return VoidU64
	}
	return s
}

// SubU64 is VOID-propagating subtraction; underflow yields VOID.
func SubU64(a, b uint64) uint64 {
	if IsVoidU64(a) || IsVoidU64(b) || b > a {
		return VoidU64
	}
	return a - b
}

// VoidReason classifies why a value became VOID.
type VoidReason uint32

const (
	VoidNone VoidReason = iota
	VoidNullArg
	VoidBounds
	VoidPermission
	VoidSealed
	VoidGeneration
	VoidChannelFull
	VoidChannelEmpty
	VoidEndpointDead
	VoidCapInMessage
	VoidLendExpired
	VoidRegistryFull
	VoidTxConflict
	VoidStateViolation
	VoidBadMagic
	VoidOutOfMemory
)

func (r VoidReason) String() string {
	switch r {
	case VoidNone:
		return "NONE"
	case VoidNullArg:
		return "NULL_ARG"
	case VoidBounds:
		return "BOUNDS"
	case VoidPermission:
		return "PERMISSION"
	case VoidSealed:
		return "SEALED"
	case VoidGeneration:
		return "GENERATION"
	case VoidChannelFull:
		return "CHANNEL_FULL"
	case VoidChannelEmpty:
		return "CHANNEL_EMPTY"
	case VoidEndpointDead:
		return "ENDPOINT_DEAD"
	case VoidCapInMessage:
		return "VOID_CAP_IN_MSG"
	case VoidLendExpired:
		return "LEND_EXPIRED"
	case VoidRegistryFull:
		return "REGISTRY_FULL"
	case VoidTxConflict:
		return "TX_CONFLICT"
	case VoidStateViolation:
		return "STATE_VIOLATION"
	case VoidBadMagic:
		return "BAD_MAGIC"
	case VoidOutOfMemory:
		return "OUT_OF_MEMORY"
	}
	return "UNKNOWN"
}

// VoidTraceDepth is the number of recent VOID records retained. The ring
// overwrites its oldest entry when full; recording never fails.
const VoidTraceDepth = 256

// VoidRecord is one entry of VOID archaeology: enough context to walk a
// predecessor chain back to the root cause.
type VoidRecord struct {
	ID          uint64
	Predecessor uint64
	Reason      VoidReason
	EndpointID  uint64
	MessageID   uint64
	Location    string
	Message     string
	WallClock   int64
}

// VoidTrace is a bounded ring of recent VOID records. Ids are monotonic
// and never reused; id 0 means "no void".
type VoidTrace struct {
	mu     sync.Mutex
	nextID uint64
	count  uint64
	ring   [VoidTraceDepth]VoidRecord
}

func NewVoidTrace() *VoidTrace {
	return &VoidTrace{}
}

// defaultTrace serves callers that do not carry their own trace, with the
// same standing as logrus's package-level logger.
var defaultTrace = NewVoidTrace()

func DefaultTrace() *VoidTrace { return defaultTrace }

// Record stores a VOID entry and returns its fresh id. Best effort by
// construction: a full ring drops its oldest record.
func (t *VoidTrace) Record(reason VoidReason, predecessor, endpointID, messageID uint64, location, message string) uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.ring[t.count%VoidTraceDepth] = VoidRecord{
		ID:          id,
		Predecessor: predecessor,
		Reason:      reason,
		EndpointID:  endpointID,
		MessageID:   messageID,
		Location:    location,
		Message:     message,
		WallClock:   time.Now().UnixNano(),
	}
	t.count++
	return id
}

// Lookup returns the record for id if it is still in the ring.
func (t *VoidTrace) Lookup(id uint64) (VoidRecord, bool) {
	if t == nil || id == 0 {
		return VoidRecord{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.count
	if n > VoidTraceDepth {
		n = VoidTraceDepth
	}
	for i := uint64(0); i < n; i++ {
		if t.ring[i].ID == id {
			return t.ring[i], true
		}
	}
	return VoidRecord{}, false
}

// Chain walks the predecessor links starting at id, newest first. The walk
// stops at the first id that has aged out of the ring.
func (t *VoidTrace) Chain(id uint64) []VoidRecord {
	var out []VoidRecord
	seen := make(map[uint64]bool)
	for id != 0 && !seen[id] {
		seen[id] = true
		rec, ok := t.Lookup(id)
		if !ok {
			break
		}
		out = append(out, rec)
		id = rec.Predecessor
	}
	return out
}

// Len returns how many records are currently held.
func (t *VoidTrace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count > VoidTraceDepth {
		return VoidTraceDepth
	}
	return int(t.count)
}

// chronon is a process-local logical clock shared by subsystems that do
// not own a persistent one.
var chronon uint64

func nowChronon() uint64 { return atomic.AddUint64(&chronon, 1) }
