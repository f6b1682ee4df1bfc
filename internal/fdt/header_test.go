package fdt

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testBlob returns an empty-root device tree blob.
func testBlob(t *testing.T) []byte {
	t.Helper()

	const (
		offRsv     = HeaderSize
		offStruct  = offRsv + 16
		structSize = 16 // FDT_BEGIN_NODE, "" padded, FDT_END_NODE, FDT_END
		offStrings = offStruct + structSize
		total      = offStrings
	)
	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:4], Magic)
	be.PutUint32(blob[4:8], total)
	be.PutUint32(blob[8:12], offStruct)
	be.PutUint32(blob[12:16], offStrings)
	be.PutUint32(blob[16:20], offRsv)
	be.PutUint32(blob[20:24], 17)
	be.PutUint32(blob[24:28], 16)
	be.PutUint32(blob[32:36], 0)
	be.PutUint32(blob[36:40], structSize)
	be.PutUint32(blob[offStruct:], 0x1)
	be.PutUint32(blob[offStruct+8:], 0x2)
	be.PutUint32(blob[offStruct+12:], 0x9)
	return blob
}

func TestParseHeader(t *testing.T) {
	blob := testBlob(t)
	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	want := Header{
		Magic:           Magic,
		TotalSize:       uint32(len(blob)),
		OffDtStruct:     0x38,
		OffDtStrings:    0x48,
		OffMemRsvmap:    0x28,
		Version:         17,
		LastCompVersion: 16,
		SizeDtStruct:    16,
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if err := h.Validate(uint64(len(blob))); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	blob := testBlob(t)
	blob[0] = 0
	if _, err := ParseHeader(blob); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("ParseHeader = %v, want ErrBadMagic", err)
	}
}

func TestParseHeaderTruncated(t *testing.T) {
	if _, err := ParseHeader(testBlob(t)[:HeaderSize-1]); err == nil {
		t.Fatalf("ParseHeader on truncated blob expected error")
	}
}

func TestValidateRejectsOversizedTotal(t *testing.T) {
	blob := testBlob(t)
	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if err := h.Validate(uint64(len(blob) - 1)); err == nil {
		t.Fatalf("Validate with short blob expected error")
	}
	h.SizeDtStruct = 0x1000
	if err := h.Validate(uint64(len(blob))); err == nil {
		t.Fatalf("Validate with oversized struct block expected error")
	}
	h = Header{Magic: Magic, TotalSize: HeaderSize, Version: 3}
	if err := h.Validate(HeaderSize); err == nil {
		t.Fatalf("Validate with version 3 expected error")
	}
}
