package block_test

import (
	"testing"

	"github.com/clusterquorum/qdiskd/internal/block"
)

func TestHeaderRoundTrip(t *testing.T) {
	want := block.Header{
		Magic:      block.Magic,
		Version:    block.Version,
		Creator:    "qdiskd",
		SectorSize: 512,
	}
	buf := want.Encode()
	if len(buf) != block.HeaderSize {
		t.Fatalf("Encode: got %d bytes, want %d", len(buf), block.HeaderSize)
	}

	var got block.Header
	if err := got.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestHeaderCreatorTruncation(t *testing.T) {
	h := block.Header{Creator: "this-label-is-far-too-long-for-sixteen-bytes"}
	buf := h.Encode()
	var got block.Header
	if err := got.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Creator) > 16 {
		t.Fatalf("Creator not truncated: %q (%d bytes)", got.Creator, len(got.Creator))
	}
}

func TestHeaderValidate(t *testing.T) {
	good := block.Header{Magic: block.Magic, Version: block.Version, SectorSize: 512}
	if err := good.Validate(512); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}

	cases := []struct {
		name string
		h    block.Header
		dev  uint32
	}{
		{"bad magic", block.Header{Magic: 0xdead, Version: block.Version, SectorSize: 512}, 512},
		{"bad version", block.Header{Magic: block.Magic, Version: 999, SectorSize: 512}, 512},
		{"sector size mismatch", block.Header{Magic: block.Magic, Version: block.Version, SectorSize: 512}, 4096},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.h.Validate(c.dev); err == nil {
				t.Error("Validate: expected error, got nil")
			}
		})
	}
}
