// Package block — device.go
//
// Device is the raw I/O seam between the quorum loop and the shared disk.
// The Linux implementation opens with O_DIRECT|O_SYNC and does
// sector-aligned pread/pwrite via golang.org/x/sys/unix, grounded on the
// teacher's use of unix for kernel-facing checks in bpf/loader.go
// (checkKernelVersion's unix.Uname, ioctl-adjacent unsafe use).

package block

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TransientError wraps a disk I/O failure the caller should retry (and
// count toward a miss), as opposed to a fatal misconfiguration (§4.1/§7:
// "distinguish a transient I/O error, which counts as a miss, from a fatal
// one, which aborts the daemon").
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("block: transient I/O error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Device is the seam every higher-level component (header validation,
// status read/write, the quorum loop) programs against. The Linux
// implementation below and the in-memory fake in memdevice.go both satisfy
// it, per the DESIGN NOTES requirement that C1 be substitutable in tests.
type Device interface {
	// SectorSize returns the device's kernel-reported sector size in bytes.
	SectorSize() uint32

	// ReadSector reads exactly one sector at the given sector index (0 is
	// the header sector; 1..MaxNodes are status sectors).
	ReadSector(sector uint32) ([]byte, error)

	// WriteSector writes exactly one sector-sized buffer at the given
	// sector index. buf must be len(SectorSize()).
	WriteSector(sector uint32, buf []byte) error

	// Close releases the underlying file descriptor.
	Close() error
}

// blkSSZGet and blkGetSize64 are the ioctl request numbers for
// BLKSSZGET/BLKGETSIZE64 on Linux (linux/fs.h).
const (
	blkSSZGet    = 0x1268
	blkGetSize64 = 0x80081272
)

// LinuxDevice is a Device backed by a real block device or regular file,
// opened O_DIRECT|O_SYNC so every read/write bypasses the page cache —
// each node must see every other node's most recent write, not a stale
// cached copy (§3: "Concurrency ... is via atomic, self-aligned,
// single-sector disk I/O").
type LinuxDevice struct {
	f          *os.File
	sectorSize uint32
}

// OpenLinuxDevice opens path for direct, synchronous sector I/O and
// queries its sector size via BLKSSZGET. If the ioctl fails (path is a
// regular file rather than a block device, as in local testing), it falls
// back to 512.
func OpenLinuxDevice(path string) (*LinuxDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_DIRECT|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("block: open %q: %w", path, err)
	}

	sectorSize, err := queryBlockSectorSize(f.Fd())
	if err != nil {
		sectorSize = 512
	}

	return &LinuxDevice{f: f, sectorSize: sectorSize}, nil
}

func queryBlockSectorSize(fd uintptr) (uint32, error) {
	var size int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, blkSSZGet, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("BLKSSZGET: %w", errno)
	}
	if size <= 0 {
		return 0, fmt.Errorf("BLKSSZGET returned non-positive size %d", size)
	}
	return uint32(size), nil
}

func (d *LinuxDevice) SectorSize() uint32 { return d.sectorSize }

func (d *LinuxDevice) ReadSector(sector uint32) ([]byte, error) {
	buf := make([]byte, d.sectorSize)
	off := int64(sector) * int64(d.sectorSize)
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return nil, &TransientError{Op: fmt.Sprintf("pread sector %d", sector), Err: err}
	}
	if n != len(buf) {
		return nil, &TransientError{Op: fmt.Sprintf("pread sector %d", sector), Err: fmt.Errorf("short read: got %d, want %d", n, len(buf))}
	}
	return buf, nil
}

func (d *LinuxDevice) WriteSector(sector uint32, buf []byte) error {
	if uint32(len(buf)) != d.sectorSize {
		return fmt.Errorf("block: WriteSector: buffer is %d bytes, sector size is %d", len(buf), d.sectorSize)
	}
	off := int64(sector) * int64(d.sectorSize)
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return &TransientError{Op: fmt.Sprintf("pwrite sector %d", sector), Err: err}
	}
	if n != len(buf) {
		return &TransientError{Op: fmt.Sprintf("pwrite sector %d", sector), Err: fmt.Errorf("short write: wrote %d, want %d", n, len(buf))}
	}
	return nil
}

func (d *LinuxDevice) Close() error {
	return d.f.Close()
}
