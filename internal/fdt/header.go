// Package fdt decodes flattened device tree blob headers.
package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 0x28
	Magic      = 0xd00dfeed

	// Oldest layout whose header carries every field we read.
	minVersion = 16
)

var ErrBadMagic = errors.New("fdt: bad magic")

// Header is the fixed header at the start of every device tree blob. All
// fields are stored big-endian.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("fdt: header truncated: got %d bytes, want %d", len(b), HeaderSize)
	}
	be := binary.BigEndian
	h := Header{
		Magic:           be.Uint32(b[0:4]),
		TotalSize:       be.Uint32(b[4:8]),
		OffDtStruct:     be.Uint32(b[8:12]),
		OffDtStrings:    be.Uint32(b[12:16]),
		OffMemRsvmap:    be.Uint32(b[16:20]),
		Version:         be.Uint32(b[20:24]),
		LastCompVersion: be.Uint32(b[24:28]),
		BootCPUIDPhys:   be.Uint32(b[28:32]),
		SizeDtStrings:   be.Uint32(b[32:36]),
		SizeDtStruct:    be.Uint32(b[36:40]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w %#x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// Validate checks the header's internal layout against the size of the blob
// it came from.
func (h Header) Validate(blobSize uint64) error {
	if h.Version < minVersion {
		return fmt.Errorf("fdt: version %d older than %d", h.Version, minVersion)
	}
	if h.TotalSize < HeaderSize {
		return fmt.Errorf("fdt: total size %d smaller than header", h.TotalSize)
	}
	if uint64(h.TotalSize) > blobSize {
		return fmt.Errorf("fdt: total size %d exceeds blob size %d", h.TotalSize, blobSize)
	}
	if end := uint64(h.OffDtStruct) + uint64(h.SizeDtStruct); end > uint64(h.TotalSize) {
		return fmt.Errorf("fdt: struct block ends at %#x past total size %#x", end, h.TotalSize)
	}
	if end := uint64(h.OffDtStrings) + uint64(h.SizeDtStrings); end > uint64(h.TotalSize) {
		return fmt.Errorf("fdt: strings block ends at %#x past total size %#x", end, h.TotalSize)
	}
	return nil
}
