package seraph

import (
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

type SnapState uint32

const (
	SnapVoid SnapState = iota
	SnapPreparing
	SnapActive
	SnapCommitted
	SnapRestoring
	SnapFailed
)

func (s SnapState) String() string {
	switch s {
	case SnapPreparing:
		return "PREPARING"
	case SnapActive:
		return "ACTIVE"
	case SnapCommitted:
		return "COMMITTED"
	case SnapRestoring:
		return "RESTORING"
	case SnapFailed:
		return "FAILED"
	}
	return "VOID"
}

// CausalOrder is the verdict of a vector-clock comparison.
type CausalOrder uint8

const (
	OrderVoid CausalOrder = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
	OrderEqual
)

func (o CausalOrder) String() string {
	switch o {
	case OrderBefore:
		return "BEFORE"
	case OrderAfter:
		return "AFTER"
	case OrderConcurrent:
		return "CONCURRENT"
	case OrderEqual:
		return "EQUAL"
	}
	return "VOID"
}

const (
	MaxVClockNodes = 16
	MaxCowPages    = 256
)

const (
	cowValid   uint32 = 1 << 0
	cowDirty   uint32 = 1 << 1
	cowGenesis uint32 = 1 << 2
)

// cowEntryRec records one copied page run.
type cowEntryRec struct {
	PageOffset uint64
	CopyOffset uint64
	ModTime    uint64
	PageCount  uint32
	Flags      uint32
}

// vclockRec is the persistent system vector clock.
type vclockRec struct {
	SelfIndex uint64
	Clock     [MaxVClockNodes]uint64
}

func (a *Atlas) vclock() *vclockRec {
	return (*vclockRec)(unsafe.Pointer(&a.data[vclockOffset]))
}

// VectorClock returns a copy of the system vector clock.
func (a *Atlas) VectorClock() [MaxVClockNodes]uint64 {
	var out [MaxVClockNodes]uint64
	if a.IsVoid() {
		return out
	}
	a.mu.Lock()
	out = a.vclock().Clock
	a.mu.Unlock()
	return out
}

// snapshotRec is the pinned in-Atlas snapshot record.
type snapshotRec struct {
	Magic   uint64
	Version uint32
	State   uint32

	ID         uint64
	Chronon    uint64
	WallClock  uint64
	Generation uint64
	Epoch      uint64

	VClock    [MaxVClockNodes]uint64
	SelfIndex uint32
	NodeCount uint32

	BitmapOffset uint64
	BitmapLen    uint64

	CowCount         uint32
	_                uint32
	CowStorageOffset uint64
	CowStorageLen    uint64

	CreateTime uint64
	CommitTime uint64

	GenesisCopy [GenesisSize]byte
	Desc        [64]byte

	Cow [MaxCowPages]cowEntryRec
}

// Snapshot is a handle over a pinned record. The back reference to the
// owning Atlas is a handle whose lifetime strictly contains the
// snapshot's; the record itself carries only offsets.
type Snapshot struct {
	a       *Atlas
	dirSlot int
	off     uint64

	copied map[uint64]uint64 // page offset -> copy offset
}

func (s *Snapshot) rec() *snapshotRec {
	return (*snapshotRec)(unsafe.Pointer(&s.a.data[s.off]))
}

func (s *Snapshot) state() SnapState { return SnapState(s.rec().State) }

func (s *Snapshot) IsVoid() bool {
	return s == nil || s.a.IsVoid() || s.off == 0 || s.state() == SnapVoid
}

func (s *Snapshot) ID() uint64        { return s.rec().ID }
func (s *Snapshot) State() SnapState  { return s.state() }
func (s *Snapshot) CowCount() uint32  { return s.rec().CowCount }
func (s *Snapshot) Describe(d string) {
	r := s.rec()
	for i := range r.Desc {
		r.Desc[i] = 0
	}
	copy(r.Desc[:len(r.Desc)-1], d)
}

func (a *Atlas) snapDir() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&a.data[snapDirOffset])), MaxSnapshots)
}

// SnapshotBegin pins a new snapshot record in PREPARING state. vclock
// nil captures the current system clock; otherwise the provided causal
// context is frozen into the record.
func (a *Atlas) SnapshotBegin(vclock []uint64) *Snapshot {
	if a.IsVoid() || a.readOnly {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := -1
	for i := 0; i < MaxSnapshots; i++ {
		if a.snaps[i] == nil && a.snapDir()[i] == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil
	}

	recSize := uint64(unsafe.Sizeof(snapshotRec{}))
	off := a.allocLocked(alignUp(recSize, 8), 8)
	if off == 0 {
		return nil
	}
	b := a.data[off : off+recSize]
	for i := range b {
		b[i] = 0
	}

	bitmapLen := (uint64(len(a.data))/PageSize + 7) / 8
	bitmapOff := a.allocLocked(alignUp(bitmapLen, 8), 8)
	if bitmapOff == 0 {
		a.freeLocked(off, alignUp(recSize, 8))
		return nil
	}
	bm := a.data[bitmapOff : bitmapOff+bitmapLen]
	for i := range bm {
		bm[i] = 0
	}

	g := a.genesis
	s := &Snapshot{a: a, dirSlot: slot, off: off, copied: make(map[uint64]uint64)}
	r := s.rec()
	r.Magic = SnapshotMagic
	r.Version = Version
	r.State = uint32(SnapPreparing)
	r.ID = g.NextSnapID
	g.NextSnapID++
	r.Chronon = nowChronon()
	r.WallClock = uint64(time.Now().UnixNano())
	r.Generation = atomicLoadU64(&g.Generation)
	r.Epoch = g.Epoch
	r.BitmapOffset = bitmapOff
	r.BitmapLen = bitmapLen
	r.CreateTime = r.WallClock

	vc := a.vclock()
	r.SelfIndex = uint32(vc.SelfIndex)
	r.NodeCount = MaxVClockNodes
	if vclock == nil {
		r.VClock = vc.Clock
	} else {
		for i := 0; i < MaxVClockNodes && i < len(vclock); i++ {
			r.VClock[i] = vclock[i]
		}
	}

	copy(r.GenesisCopy[:], a.data[:GenesisSize])

	a.snapDir()[slot] = off
	a.snaps[slot] = s
	return s
}

// reattachSnapshots rebuilds handles for snapshots pinned in the region
// on a fresh mapping. Committed snapshots come back restorable, with
// their page index reconstructed from the persisted COW table. A crash
// mid-restore leaves a RESTORING record whose copies are all intact, so
// it is set back to COMMITTED. Anything caught mid-build is released.
func (a *Atlas) reattachSnapshots() {
	recSize := uint64(unsafe.Sizeof(snapshotRec{}))
	for i := 0; i < MaxSnapshots; i++ {
		off := a.snapDir()[i]
		if off == 0 {
			continue
		}
		if off < heapStart || off+recSize > uint64(len(a.data)) {
			if !a.readOnly {
				a.snapDir()[i] = 0
			}
			continue
		}
		s := &Snapshot{a: a, dirSlot: i, off: off, copied: make(map[uint64]uint64)}
		r := s.rec()
		if r.Magic != SnapshotMagic || r.Version != Version {
			if !a.readOnly {
				a.snapDir()[i] = 0
			}
			continue
		}
		switch SnapState(r.State) {
		case SnapRestoring:
			if a.readOnly {
				continue
			}
			r.State = uint32(SnapCommitted)
			fallthrough
		case SnapCommitted:
			for j := uint32(0); j < r.CowCount && j < MaxCowPages; j++ {
				if r.Cow[j].Flags&cowValid != 0 {
					s.copied[r.Cow[j].PageOffset] = r.Cow[j].CopyOffset
				}
			}
			a.snaps[i] = s
		default:
			// Preparing, active or failed snapshots cannot be trusted
			// across a reboot; release their storage and directory slot.
			if !a.readOnly {
				s.Abort()
			}
		}
	}
}

// SnapshotByID finds the live handle for a pinned snapshot.
func (a *Atlas) SnapshotByID(id uint64) *Snapshot {
	if a.IsVoid() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < MaxSnapshots; i++ {
		if s := a.snaps[i]; s != nil && s.off != 0 && s.rec().ID == id {
			return s
		}
	}
	return nil
}

// Snapshots lists the live snapshot handles, directory order.
func (a *Atlas) Snapshots() []*Snapshot {
	if a.IsVoid() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Snapshot
	for i := 0; i < MaxSnapshots; i++ {
		if s := a.snaps[i]; s != nil && s.off != 0 {
			out = append(out, s)
		}
	}
	return out
}

func (s *Snapshot) bitmap() []byte {
	r := s.rec()
	return s.a.data[r.BitmapOffset : r.BitmapOffset+r.BitmapLen]
}

func (s *Snapshot) includedPage(pageIdx uint64) bool {
	bm := s.bitmap()
	if pageIdx/8 >= uint64(len(bm)) {
		return false
	}
	return bm[pageIdx/8]&(1<<(pageIdx%8)) != 0
}

// Include marks the pages covering [off, off+size) for COW protection.
// Legal only while PREPARING.
func (s *Snapshot) Include(off, size uint64) VBit {
	if s.IsVoid() {
		return VVoid
	}
	if s.state() != SnapPreparing {
		return VFalse
	}
	if size == 0 || IsVoidU64(off) || IsVoidU64(size) || off+size > uint64(len(s.a.data)) {
		return VFalse
	}
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	bm := s.bitmap()
	first := off / PageSize
	last := (off + size - 1) / PageSize
	for p := first; p <= last; p++ {
		bm[p/8] |= 1 << (p % 8)
	}
	return VTrue
}

// IncludeAll covers the entire region.
func (s *Snapshot) IncludeAll() VBit {
	if s.IsVoid() {
		return VVoid
	}
	return s.Include(0, uint64(len(s.a.data)))
}

// Activate arms the COW trigger: from here every transactional write to
// an included page parks the pre-image first.
func (s *Snapshot) Activate() VBit {
	if s.IsVoid() {
		return VVoid
	}
	if s.state() != SnapPreparing {
		return VFalse
	}
	s.rec().State = uint32(SnapActive)
	return VTrue
}

// cowRangeLocked copies not-yet-copied included pages under [off,
// off+size). First writer wins; later writes to a copied page are free.
// Caller holds a.mu.
func (s *Snapshot) cowRangeLocked(off, size uint64) {
	a := s.a
	r := s.rec()
	first := off / PageSize
	last := (off + size - 1) / PageSize
	for p := first; p <= last; p++ {
		pageOff := p * PageSize
		if !s.includedPage(p) {
			continue
		}
		if _, done := s.copied[pageOff]; done {
			continue
		}
		if r.CowCount >= MaxCowPages {
			r.State = uint32(SnapFailed)
			log.WithField("snapshot", r.ID).Error("snapshot COW table full")
			return
		}
		copyOff := a.allocLocked(PageSize, PageSize)
		if copyOff == 0 {
			r.State = uint32(SnapFailed)
			log.WithField("snapshot", r.ID).Error("snapshot COW storage exhausted")
			return
		}
		copy(a.data[copyOff:copyOff+PageSize], a.data[pageOff:pageOff+PageSize])
		flags := cowValid
		if pageOff < GenesisSize {
			flags |= cowGenesis
		}
		r.Cow[r.CowCount] = cowEntryRec{
			PageOffset: pageOff,
			CopyOffset: copyOff,
			ModTime:    uint64(time.Now().UnixNano()),
			PageCount:  1,
			Flags:      flags,
		}
		r.CowCount++
		if r.CowStorageOffset == 0 {
			r.CowStorageOffset = copyOff
		}
		r.CowStorageLen += PageSize
		s.copied[pageOff] = copyOff
	}
}

// ReadPage returns the snapshot's view of the page containing off: the
// COW copy when the page diverged, the live page when it has not.
func (s *Snapshot) ReadPage(off uint64) []byte {
	if s.IsVoid() || off >= uint64(len(s.a.data)) {
		return nil
	}
	pageOff := off &^ (PageSize - 1)
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if copyOff, ok := s.copied[pageOff]; ok {
		return s.a.data[copyOff : copyOff+PageSize]
	}
	r := s.rec()
	for i := uint32(0); i < r.CowCount; i++ {
		if r.Cow[i].PageOffset == pageOff && r.Cow[i].Flags&cowValid != 0 {
			return s.a.data[r.Cow[i].CopyOffset : r.Cow[i].CopyOffset+PageSize]
		}
	}
	return s.a.data[pageOff : pageOff+PageSize]
}

// Commit freezes the snapshot and bumps the committer's own clock entry,
// both in the record and in the system clock.
func (s *Snapshot) Commit() VBit {
	if s.IsVoid() {
		return VVoid
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	r := s.rec()
	if SnapState(r.State) != SnapActive {
		return VFalse
	}
	for i := uint32(0); i < r.CowCount; i++ {
		_ = msyncRange(a, r.Cow[i].CopyOffset, PageSize)
	}
	r.CommitTime = uint64(time.Now().UnixNano())
	r.VClock[r.SelfIndex]++
	vc := a.vclock()
	vc.Clock[vc.SelfIndex]++
	r.State = uint32(SnapCommitted)
	_ = msyncRange(a, s.off, uint64(unsafe.Sizeof(snapshotRec{})))
	return VTrue
}

// Abort releases COW storage, the bitmap and the record.
func (s *Snapshot) Abort() VBit {
	if s.IsVoid() {
		return VVoid
	}
	a := s.a
	if a.readOnly {
		return VFalse
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := s.rec()
	for i := uint32(0); i < r.CowCount; i++ {
		a.freeLocked(r.Cow[i].CopyOffset, PageSize)
	}
	a.freeLocked(r.BitmapOffset, alignUp(r.BitmapLen, 8))
	r.State = uint32(SnapVoid)
	a.snapDir()[s.dirSlot] = 0
	a.snaps[s.dirSlot] = nil
	a.freeLocked(s.off, alignUp(uint64(unsafe.Sizeof(snapshotRec{})), 8))
	s.off = 0
	return VTrue
}

// Restore rolls the included pages back to their captured bytes and
// republishes a Genesis derived from the capture, with a generation
// strictly greater than anything seen since. Restoring twice is the same
// as restoring once, except that the generation and clock advance again.
func (s *Snapshot) Restore() VBit {
	if s.IsVoid() {
		return VVoid
	}
	a := s.a
	if a.readOnly {
		return VFalse
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := s.rec()
	if SnapState(r.State) != SnapCommitted {
		return VFalse
	}
	r.State = uint32(SnapRestoring)

	a.abortAllLocked()

	for i := uint32(0); i < r.CowCount; i++ {
		e := r.Cow[i]
		if e.Flags&cowValid == 0 {
			continue
		}
		span := uint64(e.PageCount) * PageSize
		copy(a.data[e.PageOffset:e.PageOffset+span], a.data[e.CopyOffset:e.CopyOffset+span])
	}

	// Republish Genesis from the capture. The generation must exceed
	// every previously observed value so stale capabilities go VOID.
	liveGen := atomicLoadU64(&a.genesis.Generation)
	frozen := (*Genesis)(unsafe.Pointer(&r.GenesisCopy[0]))
	restored := *frozen
	if restored.Generation < liveGen {
		restored.Generation = liveGen
	}
	restored.Generation++
	restored.ModifiedAt = uint64(time.Now().UnixNano())
	*a.genesis = restored

	// The restore happens-after both the snapshot and the present.
	vc := a.vclock()
	for i := 0; i < MaxVClockNodes; i++ {
		if r.VClock[i] > vc.Clock[i] {
			vc.Clock[i] = r.VClock[i]
		}
	}
	vc.Clock[vc.SelfIndex]++

	r.State = uint32(SnapCommitted)
	_ = msyncRange(a, 0, uint64(len(a.data)))

	log.WithFields(log.Fields{
		"snapshot":   r.ID,
		"generation": restored.Generation,
	}).Info("atlas restored from snapshot")
	return VTrue
}

// Compare orders two snapshots by their vector clocks.
func SnapshotCompare(x, y *Snapshot) CausalOrder {
	if x.IsVoid() || y.IsVoid() {
		return OrderVoid
	}
	return CompareVClocks(x.rec().VClock, y.rec().VClock)
}

func CompareVClocks(x, y [MaxVClockNodes]uint64) CausalOrder {
	var less, greater bool
	for i := 0; i < MaxVClockNodes; i++ {
		if x[i] < y[i] {
			less = true
		} else if x[i] > y[i] {
			greater = true
		}
	}
	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	}
	return OrderEqual
}
