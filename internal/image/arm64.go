package image

import "encoding/binary"

const (
	// arm64ImageMagic is "ARM\x64" at offset 56 of a decompressed ARM64
	// Image, see Documentation/arch/arm64/booting.rst.
	arm64ImageMagic       = 0x644d5241
	arm64ImageMagicOffset = 56
)

// ARM64ImageHeader describes the 64-byte header placed at the beginning of
// every decompressed ARM64 Image. Such images classify as RawBinary; the
// header is only surfaced for diagnostics.
type ARM64ImageHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Magic      uint32
}

// ProbeARM64Image parses h as an ARM64 Image header.
func ProbeARM64Image(h Header) (ARM64ImageHeader, bool) {
	if h.le32(arm64ImageMagicOffset) != arm64ImageMagic {
		return ARM64ImageHeader{}, false
	}
	return ARM64ImageHeader{
		Code0:      binary.LittleEndian.Uint32(h[0:4]),
		Code1:      binary.LittleEndian.Uint32(h[4:8]),
		TextOffset: binary.LittleEndian.Uint64(h[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(h[16:24]),
		Flags:      binary.LittleEndian.Uint64(h[24:32]),
		Magic:      h.le32(arm64ImageMagicOffset),
	}, true
}
