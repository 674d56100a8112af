package seraph

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// checkpointHeader is the fixed head of a checkpoint file. Field order
// is on-disk layout; byte order is the host's, like the region itself.
type checkpointHeader struct {
	Magic      uint64
	Version    uint32
	Algo       uint16
	_          uint16
	StoreID    [16]byte
	RegionSize uint64
	Generation uint64
	CRC        uint32
	_          uint32
}

const checkpointHeaderSize = 56

// Checkpoint serializes the whole region to path: fixed header, varint
// payload length, compressed payload. The CRC covers the uncompressed
// region so a truncated or bit-rotted file fails closed on import.
func (a *Atlas) Checkpoint(path string, algo CompressAlgorithm) error {
	if a.IsVoid() {
		return errors.New("checkpoint of a void atlas")
	}
	compress, _, ok := codecFor(algo)
	if !ok {
		return errors.Errorf("unknown compression algorithm %d", algo)
	}

	// Copy under the lock; compress and write outside it.
	a.mu.Lock()
	region := make([]byte, len(a.data))
	copy(region, a.data)
	gen := atomicLoadU64(&a.genesis.Generation)
	a.mu.Unlock()

	hdr := checkpointHeader{
		Magic:      CheckpointMagic,
		Version:    Version,
		Algo:       uint16(algo),
		RegionSize: uint64(len(region)),
		Generation: gen,
		CRC:        crc32.ChecksumIEEE(region),
	}
	copy(hdr.StoreID[:], a.genesis.StoreID[:])

	payload := compress(region)

	buf := &bytes.Buffer{}
	hb := (*[checkpointHeaderSize]byte)(unsafe.Pointer(&hdr))
	buf.Write(hb[:])
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	buf.Write(lenBuf[:n])
	buf.Write(payload)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write checkpoint")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}

	log.WithFields(log.Fields{
		"path":       path,
		"generation": gen,
		"compressed": len(payload),
		"region":     len(region),
	}).Info("atlas checkpoint written")
	return nil
}

// RestoreCheckpoint validates and imports a checkpoint written for this
// store. Magic, version, store identity and CRC must all match; on any
// mismatch the live region is untouched. The restored Genesis keeps a
// generation strictly greater than anything previously published.
func (a *Atlas) RestoreCheckpoint(path string) error {
	if a.IsVoid() || a.readOnly {
		return errors.New("restore into a void or read-only atlas")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read checkpoint")
	}
	if len(raw) < checkpointHeaderSize {
		return errors.New("checkpoint truncated")
	}

	var hdr checkpointHeader
	copy((*[checkpointHeaderSize]byte)(unsafe.Pointer(&hdr))[:], raw[:checkpointHeaderSize])
	if hdr.Magic != CheckpointMagic {
		return errors.Errorf("bad checkpoint magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return errors.Errorf("checkpoint version mismatch: file %d, runtime %d", hdr.Version, Version)
	}
	var fileID uuid.UUID
	copy(fileID[:], hdr.StoreID[:])
	if fileID != a.StoreID() {
		return errors.Errorf("checkpoint belongs to store %s, not %s", fileID, a.StoreID())
	}
	if hdr.RegionSize != uint64(len(a.data)) {
		return errors.Errorf("checkpoint region size %d != mapped %d", hdr.RegionSize, len(a.data))
	}
	_, decompress, ok := codecFor(CompressAlgorithm(hdr.Algo))
	if !ok {
		return errors.Errorf("unknown compression algorithm %d", hdr.Algo)
	}

	r := bytes.NewReader(raw[checkpointHeaderSize:])
	payloadLen, err := binary.ReadUvarint(r)
	if err != nil {
		return errors.Wrap(err, "read payload length")
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read payload")
	}
	region, err := decompress(payload)
	if err != nil {
		return errors.Wrap(err, "decompress payload")
	}
	if uint64(len(region)) != hdr.RegionSize {
		return errors.New("decompressed size mismatch")
	}
	if crc32.ChecksumIEEE(region) != hdr.CRC {
		return errors.New("checkpoint CRC mismatch")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.abortAllLocked()
	for i := range a.snaps {
		a.snaps[i] = nil
	}
	liveGen := atomicLoadU64(&a.genesis.Generation)
	copy(a.data, region)
	g := a.genesis
	if g.Generation < liveGen {
		g.Generation = liveGen
	}
	g.Generation++
	if err := msyncRange(a, 0, uint64(len(a.data))); err != nil {
		return errors.Wrap(err, "flush restored region")
	}

	log.WithFields(log.Fields{
		"path":       path,
		"generation": g.Generation,
	}).Info("atlas restored from checkpoint")
	return nil
}
