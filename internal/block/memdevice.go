package block

import (
	"fmt"
	"sync"
)

// MemDevice is an in-memory Device backing tests: the quorum loop, peer
// tracker, and election engine all program against Device, never against
// LinuxDevice directly, so a scripted test can drive many "nodes" sharing
// one MemDevice without a real disk. A mutex stands in for the real
// device's sector-atomic guarantee, since cmd/qdiskd-sim runs several
// Loop instances concurrently against the same MemDevice.
type MemDevice struct {
	mu         sync.Mutex
	sectorSize uint32
	sectors    map[uint32][]byte
}

// NewMemDevice returns a MemDevice with the given sector size and
// numSectors pre-zeroed sectors (sector 0 through numSectors-1).
func NewMemDevice(sectorSize uint32, numSectors uint32) *MemDevice {
	d := &MemDevice{
		sectorSize: sectorSize,
		sectors:    make(map[uint32][]byte, numSectors),
	}
	for i := uint32(0); i < numSectors; i++ {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

func (d *MemDevice) SectorSize() uint32 { return d.sectorSize }

func (d *MemDevice) ReadSector(sector uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.sectors[sector]
	if !ok {
		return nil, fmt.Errorf("block: memdevice: sector %d out of range", sector)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (d *MemDevice) WriteSector(sector uint32, buf []byte) error {
	if uint32(len(buf)) != d.sectorSize {
		return fmt.Errorf("block: memdevice: WriteSector: buffer is %d bytes, sector size is %d", len(buf), d.sectorSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sectors[sector]; !ok {
		return fmt.Errorf("block: memdevice: sector %d out of range", sector)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.sectors[sector] = cp
	return nil
}

func (d *MemDevice) Close() error { return nil }
