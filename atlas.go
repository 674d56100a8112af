package seraph

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Magic = "SERAPHAT" in bigEndian
	Magic uint64 = 0x5345524150484154
	// SnapshotMagic = "SERAPSNP"
	SnapshotMagic uint64 = 0x5345524150534E50
	// CheckpointMagic = "SERAPCHK"
	CheckpointMagic uint64 = 0x534552415043484B
	// SurfaceMagic = "SRFCSURF"
	SurfaceMagic uint64 = 0x5352464353555246
	// GenTableMagic = "SERAPGEN"
	GenTableMagic uint64 = 0x534552415047454E

	Version uint32 = 1

	PageSize    uint64 = 4096
	GenesisSize uint64 = 256

	MinRegionSize     uint64 = 256 * 1024
	DefaultRegionSize uint64 = 16 * 1024 * 1024
	// maxRegionSize caps the mapping like the teacher's maxMapSize caps bolt's.
	maxRegionSize uint64 = 0xFFFFFFFFFF // 1TB
)

// Fixed region layout. Everything before heapStart is reserved metadata;
// the bump allocator never hands it out.
const (
	GenTableOffset  uint64 = GenesisSize
	GenTableEntries uint64 = 1024
	genTableSize    uint64 = 16 + 8*GenTableEntries

	txJournalOffset uint64 = GenTableOffset + genTableSize
	MaxTx                  = 16
	MaxDirtyPages          = 64
	txSlotSize      uint64 = 32 + MaxDirtyPages*24
	txJournalSize   uint64 = MaxTx * txSlotSize

	snapDirOffset uint64 = txJournalOffset + txJournalSize
	MaxSnapshots         = 8
	snapDirSize   uint64 = 8 * MaxSnapshots

	// Persistent system vector clock: self index plus one counter per node.
	vclockOffset uint64 = snapDirOffset + snapDirSize
	vclockSize   uint64 = 8 + 8*MaxVClockNodes

	// heapStart is the floor of nextAllocOffset, page aligned.
	heapStart uint64 = (vclockOffset + vclockSize + PageSize - 1) &^ (PageSize - 1)
)

// Canonical address-space split of a SERAPH process. The mapping below is
// informational: a file-backed Atlas lands wherever mmap puts it, but
// capabilities are expected to resolve into exactly one region.
const (
	VolatileEnd uint64 = 0x0000_4000_0000_0000
	AtlasBase   uint64 = VolatileEnd
	AtlasEnd    uint64 = 0x0000_6000_0000_0000
	AetherBase  uint64 = AtlasEnd
	AetherEnd   uint64 = 0x0000_7000_0000_0000
)

type MemRegion uint8

const (
	RegionVolatile MemRegion = iota
	RegionAtlas
	RegionAether
	RegionVoid
)

func RegionOf(addr uint64) MemRegion {
	switch {
	case IsVoidPtr(addr):
		return RegionVoid
	case addr < VolatileEnd:
		return RegionVolatile
	case addr < AtlasEnd:
		return RegionAtlas
	case addr < AetherEnd:
		return RegionAether
	}
	return RegionVoid
}

// Genesis is the first aligned record of every Atlas: exactly 256 bytes,
// overlaid on the head of the mapping. The generation publish on this
// record is the linearization point of every commit.
type Genesis struct {
	Magic   uint64
	Version uint32
	_       uint32

	Generation      uint64
	RootOffset      uint64
	FreeListOffset  uint64
	GenTableOffset  uint64
	NextAllocOffset uint64
	TotalAllocated  uint64
	TotalFreed      uint64

	CreatedAt    uint64
	ModifiedAt   uint64
	LastCommitAt uint64
	CommitCount  uint64
	AbortCount   uint64

	StoreID    [16]byte
	NextTxID   uint64
	NextSnapID uint64
	Epoch      uint64

	Reserved [104]byte
}

// freeNode is the 24-byte free-list record, chained by in-region offsets.
type freeNode struct {
	NextOffset      uint64
	Size            uint64
	FreedGeneration uint64
}

const freeNodeSize = 24

// Options for opening an Atlas.
type Options struct {
	// Timeout is the amount of time to wait to obtain the file lock.
	// When set to zero it will wait indefinitely.
	Timeout time.Duration

	// ReadOnly maps the region without PROT_WRITE and takes a shared lock.
	ReadOnly bool

	// NoSync skips msync on commit. Recovery guarantees are gone with it.
	NoSync bool

	// MmapFlags is OR'ed into the mmap call, e.g. MAP_POPULATE.
	MmapFlags int

	// Trace receives VOID records; nil selects the process default.
	Trace *VoidTrace
}

var DefaultOptions = &Options{
	Timeout: 0,
}

// Atlas is a memory-mapped single-level store. Persistent state is the
// mapping itself; there is no write-ahead log, so recovery is O(1):
// validate Genesis and roll back the in-flight transaction journal.
type Atlas struct {
	path      string
	file      *os.File
	data      []byte
	readOnly  bool
	noSync    bool
	mmapFlags int
	opened    bool

	// mu serializes the allocator, the transaction table, the generation
	// table and the snapshot directory. Ring head/tail atomics and the
	// Genesis publish are the only lock-free points in the system.
	mu sync.Mutex

	genesis *Genesis
	trace   *VoidTrace

	txs   [MaxTx]*Tx
	snaps [MaxSnapshots]*Snapshot
}

// Open maps the store at path, creating it at the given size when it
// does not exist. size 0 selects the existing file size (or the default
// for a fresh store). On magic or version mismatch the store is left
// untouched and an error is returned; the caller holds no Atlas.
func Open(path string, size uint64, options *Options) (*Atlas, error) {
	if options == nil {
		options = DefaultOptions
	}
	a := &Atlas{
		path:      path,
		readOnly:  options.ReadOnly,
		noSync:    options.NoSync,
		mmapFlags: options.MmapFlags,
		trace:     options.Trace,
		opened:    true,
	}
	if a.trace == nil {
		a.trace = defaultTrace
	}

	flag := os.O_RDWR
	if a.readOnly {
		flag = os.O_RDONLY
	}

	var err error
	if a.file, err = os.OpenFile(path, flag, 0644); err != nil {
		if os.IsNotExist(err) && a.readOnly {
			_ = a.close()
			return nil, err
		}
		if a.file, err = os.OpenFile(path, flag|os.O_CREATE, 0644); err != nil {
			_ = a.close()
			return nil, err
		}
	}

	// Lock so two writers cannot map the same region; that would corrupt
	// the journal and the Genesis publish.
	if options.Timeout > 0 {
		err = waitflock(a, options.Timeout)
	} else {
		err = flock(a)
	}
	if err != nil {
		_ = a.close()
		return nil, err
	}

	info, err := a.file.Stat()
	if err != nil {
		_ = a.close()
		return nil, errors.Wrap(err, "stat")
	}

	if info.Size() == 0 {
		if a.readOnly {
			_ = a.close()
			return nil, errors.New("empty store opened read-only")
		}
		if size == 0 {
			size = DefaultRegionSize
		}
		if err := a.create(size); err != nil {
			_ = a.close()
			return nil, err
		}
	} else {
		if err := a.load(uint64(info.Size())); err != nil {
			_ = a.close()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"path":       a.path,
		"size":       len(a.data),
		"generation": a.genesis.Generation,
		"store_id":   a.StoreID().String(),
	}).Info("atlas opened")
	return a, nil
}

func (a *Atlas) create(size uint64) error {
	size = alignUp(size, PageSize)
	if size < MinRegionSize {
		size = MinRegionSize
	}
	if size > maxRegionSize {
		return errors.New("region size exceeds maximum")
	}
	if err := a.file.Truncate(int64(size)); err != nil {
		return errors.Wrap(err, "truncate")
	}
	if err := mmapRegion(a, int(size)); err != nil {
		return err
	}
	a.genesis = (*Genesis)(unsafe.Pointer(&a.data[0]))

	now := uint64(time.Now().UnixNano())
	id := uuid.New()
	*a.genesis = Genesis{
		Magic:           Magic,
		Version:         Version,
		Generation:      1,
		GenTableOffset:  GenTableOffset,
		NextAllocOffset: heapStart,
		CreatedAt:       now,
		ModifiedAt:      now,
		NextTxID:        1,
		NextSnapID:      1,
		Epoch:           1,
	}
	copy(a.genesis.StoreID[:], id[:])

	gt := a.genTable()
	gt.Magic = GenTableMagic
	gt.Count = 0

	if err := msyncRange(a, 0, heapStart); err != nil {
		return errors.Wrap(err, "flush new region")
	}
	return nil
}

func (a *Atlas) load(size uint64) error {
	if size < MinRegionSize || size > maxRegionSize {
		return errors.New("backing file size out of range")
	}
	if err := mmapRegion(a, int(size)); err != nil {
		return err
	}
	a.genesis = (*Genesis)(unsafe.Pointer(&a.data[0]))
	if err := a.validate(); err != nil {
		_ = munmapRegion(a)
		a.genesis = nil
		return err
	}
	if !a.readOnly {
		a.recoverJournal()
	}
	a.reattachSnapshots()
	return nil
}

// validate checks the Genesis invariants a fresh mapping must satisfy.
func (a *Atlas) validate() error {
	g := a.genesis
	if g.Magic != Magic {
		return errors.Errorf("bad magic %#x", g.Magic)
	}
	if g.Version != Version {
		return errors.Errorf("version mismatch: file %d, runtime %d", g.Version, Version)
	}
	sz := uint64(len(a.data))
	if g.GenTableOffset != GenTableOffset {
		return errors.New("generation table offset corrupt")
	}
	if g.NextAllocOffset < heapStart || g.NextAllocOffset > sz {
		return errors.New("allocation pointer out of bounds")
	}
	if g.RootOffset != 0 && (g.RootOffset < heapStart || g.RootOffset >= sz) {
		return errors.New("root offset out of bounds")
	}
	if gt := a.genTable(); gt.Magic != GenTableMagic {
		return errors.New("generation table magic corrupt")
	}
	// The free list must be cycle-free and in-bounds. A list longer than
	// the region could hold is a cycle by pigeonhole.
	maxNodes := sz / freeNodeSize
	var n uint64
	for off := g.FreeListOffset; off != 0; {
		if off < heapStart || off+freeNodeSize > sz {
			return errors.New("free list node out of bounds")
		}
		node := a.freeNodeAt(off)
		if node.Size < freeNodeSize || off+node.Size > sz {
			return errors.New("free list node size corrupt")
		}
		off = node.NextOffset
		if n++; n > maxNodes {
			return errors.New("free list cycle")
		}
	}
	return nil
}

// recoverJournal repairs the transaction journal after a crash. A slot
// whose publish generation already made it into Genesis belongs to a
// finished commit that only lost its slot release: the bytes stay and
// the scratch is reclaimed. Everything else rolls back. Work is bounded
// by the journal size, not the data.
func (a *Atlas) recoverJournal() {
	rolled, finalized := 0, 0
	for i := 0; i < MaxTx; i++ {
		slot := a.txSlot(i)
		if slot.State != uint64(TxActive) {
			continue
		}
		if slot.PublishGeneration != 0 && a.genesis.Generation >= slot.PublishGeneration {
			for j := uint64(0); j < slot.DirtyCount && j < MaxDirtyPages; j++ {
				if d := slot.Dirty[j]; d.SavedOffset >= heapStart {
					a.freeLocked(d.SavedOffset, alignUp(d.Size, 8))
				}
			}
			finalized++
		} else {
			a.rollbackSlot(slot)
			a.genesis.AbortCount++
			rolled++
		}
		slot.State = uint64(TxVoid)
		slot.DirtyCount = 0
		slot.PublishGeneration = 0
	}
	if rolled > 0 || finalized > 0 {
		_ = msyncRange(a, 0, heapStart)
		log.WithFields(log.Fields{
			"path":        a.path,
			"rolled_back": rolled,
			"finalized":   finalized,
		}).Warn("atlas recovery repaired the transaction journal")
	}
}

// Close flushes and unmaps the region.
func (a *Atlas) Close() error {
	return a.close()
}

func (a *Atlas) close() error {
	if !a.opened {
		return nil
	}
	a.opened = false

	if a.data != nil && !a.readOnly {
		_ = msyncRange(a, 0, uint64(len(a.data)))
	}
	if err := munmapRegion(a); err != nil {
		return errors.Wrap(err, "munmap")
	}
	a.genesis = nil

	if a.file != nil {
		if !a.readOnly {
			if err := funlock(a); err != nil {
				log.Printf("atlas.Close(): funlock error: %s", err)
			}
		}
		if err := a.file.Close(); err != nil {
			return errors.Wrap(err, "store file closed")
		}
		a.file = nil
	}
	a.path = ""
	return nil
}

func (a *Atlas) IsVoid() bool { return a == nil || !a.opened || a.genesis == nil }

func (a *Atlas) Path() string { return a.path }

func (a *Atlas) Size() uint64 {
	if a.IsVoid() {
		return 0
	}
	return uint64(len(a.data))
}

func (a *Atlas) StoreID() uuid.UUID {
	var id uuid.UUID
	if a.IsVoid() {
		return id
	}
	copy(id[:], a.genesis.StoreID[:])
	return id
}

// Generation reads the published store generation.
func (a *Atlas) Generation() uint64 {
	if a.IsVoid() {
		return VoidU64
	}
	return atomicLoadU64(&a.genesis.Generation)
}

func (a *Atlas) CommitCount() uint64 {
	if a.IsVoid() {
		return VoidU64
	}
	return a.genesis.CommitCount
}

func (a *Atlas) AbortCount() uint64 {
	if a.IsVoid() {
		return VoidU64
	}
	return a.genesis.AbortCount
}

// PtrToOffset converts a mapped address into a region offset. Addresses
// outside the mapping are VOID, not an error.
func (a *Atlas) PtrToOffset(addr uint64) uint64 {
	if a.IsVoid() || IsVoidPtr(addr) {
		return VoidU64
	}
	base := uint64(uintptr(unsafe.Pointer(&a.data[0])))
	if addr < base || addr >= base+uint64(len(a.data)) {
		return VoidU64
	}
	return addr - base
}

// OffsetToPtr converts a region offset into a mapped address; the
// round trip OffsetToPtr(PtrToOffset(p)) == p holds for in-region p.
func (a *Atlas) OffsetToPtr(off uint64) uint64 {
	if a.IsVoid() || IsVoidU64(off) || off >= uint64(len(a.data)) {
		return VoidPtr
	}
	return uint64(uintptr(unsafe.Pointer(&a.data[0]))) + off
}

// SetRoot wires the application root structure into Genesis. The write
// becomes durable with the next commit.
func (a *Atlas) SetRoot(off uint64) VBit {
	if a.IsVoid() {
		return VVoid
	}
	if off != 0 && (off < heapStart || off >= uint64(len(a.data))) {
		return VFalse
	}
	a.mu.Lock()
	a.genesis.RootOffset = off
	a.mu.Unlock()
	return VTrue
}

// Root returns the application root offset; 0 means unset.
func (a *Atlas) Root() uint64 {
	if a.IsVoid() {
		return VoidU64
	}
	return a.genesis.RootOffset
}

// CapAt mints a capability over an in-region range, stamped with the
// current counter of generation slot genID. Privileged path.
func (a *Atlas) CapAt(off, size uint64, perms Perm, genID uint64) Capability {
	if a.IsVoid() || IsVoidU64(off) || IsVoidU64(size) {
		return VoidCapability()
	}
	if off+size > uint64(len(a.data)) || off+size < off {
		return VoidCapability()
	}
	gen := a.generationOf(genID)
	if IsVoidU32(gen) {
		return VoidCapability()
	}
	return newCapability(a.OffsetToPtr(off), size, gen, perms)
}

// AllocCap allocates and mints in one privileged step.
func (a *Atlas) AllocCap(size uint64, perms Perm, genID uint64) (Capability, uint64) {
	off := a.Alloc(size)
	if off == 0 {
		return VoidCapability(), 0
	}
	return a.CapAt(off, size, perms, genID), off
}

func (a *Atlas) bytesAt(off, size uint64) []byte {
	if a.IsVoid() || off+size > uint64(len(a.data)) || off+size < off {
		return nil
	}
	return a.data[off : off+size]
}

func (a *Atlas) freeNodeAt(off uint64) *freeNode {
	return (*freeNode)(unsafe.Pointer(&a.data[off]))
}
