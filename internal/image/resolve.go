package image

import "fmt"

// unsupportedReasons explains formats that are recognised but never loaded.
var unsupportedReasons = map[Format]string{
	Elf:         "segment loading is not supported",
	LinuxUImage: "uImage wrappers are not unpacked",
}

// Resolve computes the guest-physical load address of an artifact of format
// f loaded in role. base is the address chosen by the caller; entry is the
// VM's configured entry point, used for raw kernels.
func Resolve(role Role, f Format, h Header, base, entry uint64) (uint64, error) {
	if !role.Allows(f) {
		return 0, &UnsupportedError{Role: role, Format: f, Reason: unsupportedReasons[f]}
	}

	switch f {
	case RawBinary:
		return entry, nil
	case LinuxZImage:
		if start := h.ZImageStart(); start != 0 {
			return start, nil
		}
		if base > ^uint64(0)-zImageTextOffset {
			return 0, fmt.Errorf("zimage base %#x overflows with text offset %#x", base, zImageTextOffset)
		}
		return base + zImageTextOffset, nil
	case DeviceTree, GzipInitialRamdisk:
		return base, nil
	}
	return 0, &UnsupportedError{Role: role, Format: f}
}
