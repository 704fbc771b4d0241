package block_test

import (
	"bytes"
	"testing"

	"github.com/clusterquorum/qdiskd/internal/block"
)

func TestMemDeviceReadWrite(t *testing.T) {
	dev := block.NewMemDevice(512, 4)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	if err := dev.WriteSector(2, payload); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	got, err := dev.ReadSector(2)
	if err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadSector returned %x, want %x", got, payload)
	}

	// Other sectors remain zeroed.
	zero, err := dev.ReadSector(1)
	if err != nil {
		t.Fatalf("ReadSector(1): %v", err)
	}
	if !bytes.Equal(zero, make([]byte, 512)) {
		t.Fatal("untouched sector was not zero")
	}
}

func TestMemDeviceOutOfRange(t *testing.T) {
	dev := block.NewMemDevice(512, 2)
	if _, err := dev.ReadSector(5); err == nil {
		t.Error("ReadSector: expected error for out-of-range sector, got nil")
	}
	if err := dev.WriteSector(5, make([]byte, 512)); err == nil {
		t.Error("WriteSector: expected error for out-of-range sector, got nil")
	}
}

func TestMemDeviceWrongSizeBuffer(t *testing.T) {
	dev := block.NewMemDevice(512, 2)
	if err := dev.WriteSector(0, make([]byte, 256)); err == nil {
		t.Error("WriteSector: expected error for undersized buffer, got nil")
	}
}

func TestMemDeviceWriteCopiesBuffer(t *testing.T) {
	dev := block.NewMemDevice(512, 1)
	buf := make([]byte, 512)
	if err := dev.WriteSector(0, buf); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	buf[0] = 0xFF // mutate caller's buffer after the write

	got, err := dev.ReadSector(0)
	if err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if got[0] != 0 {
		t.Fatal("MemDevice aliased the caller's buffer instead of copying it")
	}
}
