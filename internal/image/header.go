package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize covers the largest header we sniff, a 64-bit ELF header.
	HeaderSize = 64

	elfMagic = "\x7fELF"

	// zImage keeps its magic word after nine words of boot code, followed by
	// the start and end addresses of the image.
	zImageMagicOffset = 0x24
	zImageStartOffset = 0x28
	zImageEndOffset   = 0x2c
	zImageMagic       = 0x016f2818

	// uImage and the FDT store big-endian magics; these are their
	// little-endian readings.
	uImageMagic = 0x56190527
	fdtMagicLE  = 0xedfe0dd0

	gzipMagic = 0x8b1f

	// zImageTextOffset is where a zImage goes relative to the base of RAM
	// when it does not carry its own start address.
	zImageTextOffset = 0x8000
)

// Header is a zero-padded snapshot of the first HeaderSize bytes of an
// artifact.
type Header [HeaderSize]byte

// NewHeader copies b into a Header, zero-padding short input.
func NewHeader(b []byte) Header {
	var h Header
	copy(h[:], b)
	return h
}

// ReadHeader reads up to HeaderSize bytes from r. Artifacts shorter than a
// header are not an error; n reports how many bytes were present.
func ReadHeader(r io.Reader) (h Header, n int, err error) {
	n, err = io.ReadFull(r, h[:])
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if err != nil {
		return Header{}, n, fmt.Errorf("read image header: %w", err)
	}
	return h, n, nil
}

func (h *Header) le32(off int) uint32 {
	return binary.LittleEndian.Uint32(h[off : off+4])
}

// ZImageStart returns the load address embedded in a zImage header, or zero.
func (h *Header) ZImageStart() uint64 {
	return uint64(h.le32(zImageStartOffset))
}

// Match predicates, in classification order.

func matchElf(h *Header) bool {
	return bytes.HasPrefix(h[:], []byte(elfMagic))
}

func matchZImage(h *Header) bool {
	return h.le32(zImageMagicOffset) == zImageMagic
}

func matchUImage(h *Header) bool {
	return h.le32(0) == uImageMagic
}

func matchDeviceTree(h *Header) bool {
	return h.le32(0) == fdtMagicLE
}

func matchGzip(h *Header) bool {
	return binary.LittleEndian.Uint16(h[0:2]) == gzipMagic
}

var matchers = []struct {
	format Format
	match  func(*Header) bool
}{
	{Elf, matchElf},
	{LinuxZImage, matchZImage},
	{LinuxUImage, matchUImage},
	{DeviceTree, matchDeviceTree},
	{GzipInitialRamdisk, matchGzip},
}

// Classify returns the format of the artifact whose header is h. The first
// matching signature wins; RawBinary is returned when none match.
func Classify(h Header) Format {
	for _, m := range matchers {
		if m.match(&h) {
			return m.format
		}
	}
	return RawBinary
}

// ClassifyBytes classifies a possibly short prefix of an artifact.
func ClassifyBytes(b []byte) Format {
	return Classify(NewHeader(b))
}
