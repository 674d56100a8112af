package seraph

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrWriteByOther = errors.New("atlas opened with write mode by another process")

// flock acquires an advisory lock on the backing file descriptor.
func flock(a *Atlas) error {
	flag := unix.LOCK_SH
	if !a.readOnly {
		flag = unix.LOCK_EX
	}

	err := unix.Flock(int(a.file.Fd()), flag|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return ErrWriteByOther
	}
	return errors.Wrap(err, "flock failed: unknown error")
}

// waitflock retries flock until it succeeds or the timeout elapses.
func waitflock(a *Atlas, timeout time.Duration) error {
	var t time.Time
	for {
		// If we're beyond our timeout then return an error.
		// This can only occur after we've attempted a flock once.
		if t.IsZero() {
			t = time.Now()
		} else if timeout > 0 && time.Since(t) > timeout {
			return errors.New("timeout")
		}
		err := flock(a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock.
func funlock(a *Atlas) error {
	return unix.Flock(int(a.file.Fd()), unix.LOCK_UN)
}

// mmapRegion maps the backing file shared and writable. Unlike a page
// cache fronted store, the single-level store mutates straight through
// the mapping; commit durability comes from msyncRange.
func mmapRegion(a *Atlas, sz int) error {
	prot := unix.PROT_READ
	if !a.readOnly {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(a.file.Fd()), 0, sz, prot, unix.MAP_SHARED|a.mmapFlags)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}

	// Advise the kernel that the mmap is accessed randomly.
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return errors.Wrap(err, "madvise")
	}

	a.data = b
	return nil
}

// munmapRegion unmaps the region if mapped.
func munmapRegion(a *Atlas) error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}

// msyncRange flushes [off, off+size) of the mapping, widened to page
// boundaries as msync requires.
func msyncRange(a *Atlas, off, size uint64) error {
	if a.data == nil || a.noSync {
		return nil
	}
	start := off &^ (PageSize - 1)
	end := alignUp(off+size, PageSize)
	if end > uint64(len(a.data)) {
		end = uint64(len(a.data))
	}
	if start >= end {
		return nil
	}
	return unix.Msync(a.data[start:end], unix.MS_SYNC)
}
