// Package image classifies guest boot artifacts by their leading bytes and
// works out where each one has to be placed in guest-physical memory.
package image

import (
	"errors"
	"fmt"
)

// Format is the closed set of artifact formats the loader recognises.
type Format int

const (
	RawBinary Format = iota
	Elf
	LinuxZImage
	LinuxUImage
	DeviceTree
	GzipInitialRamdisk
)

func (f Format) String() string {
	switch f {
	case RawBinary:
		return "raw"
	case Elf:
		return "elf"
	case LinuxZImage:
		return "zimage"
	case LinuxUImage:
		return "uimage"
	case DeviceTree:
		return "dtb"
	case GzipInitialRamdisk:
		return "initrd-gzip"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Role is what an artifact is being loaded as.
type Role int

const (
	RoleKernel Role = iota
	RoleModule
)

func (r Role) String() string {
	switch r {
	case RoleKernel:
		return "kernel"
	case RoleModule:
		return "module"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Formats returns the allow-list for the role. Anything not listed is
// rejected with ErrUnsupportedFormat.
func (r Role) Formats() []Format {
	switch r {
	case RoleKernel:
		return []Format{RawBinary, LinuxZImage}
	case RoleModule:
		return []Format{DeviceTree, GzipInitialRamdisk}
	default:
		return nil
	}
}

// Allows reports whether f is on the role's allow-list.
func (r Role) Allows(f Format) bool {
	for _, allowed := range r.Formats() {
		if allowed == f {
			return true
		}
	}
	return false
}

// RawPolicy decides whether an artifact that matched no signature may be
// booted as a raw kernel.
type RawPolicy int

const (
	// RawPermissive treats any unrecognised kernel as a raw binary.
	RawPermissive RawPolicy = iota
	// RawExplicit only accepts raw kernels when the caller forces it.
	RawExplicit
)

func ParseRawPolicy(name string) (RawPolicy, error) {
	switch name {
	case "", "permissive":
		return RawPermissive, nil
	case "explicit":
		return RawExplicit, nil
	}
	return RawPermissive, fmt.Errorf("unknown raw policy %q", name)
}

func (p RawPolicy) String() string {
	if p == RawExplicit {
		return "explicit"
	}
	return "permissive"
}

// Admits reports whether a kernel of format f may proceed under the policy.
func (p RawPolicy) Admits(f Format, forced bool) bool {
	return f != RawBinary || p == RawPermissive || forced
}

var ErrUnsupportedFormat = errors.New("unsupported image format")

// UnsupportedError names the format that was refused and the role it was
// refused for.
type UnsupportedError struct {
	Role   Role
	Format Format
	Reason string
}

func (e *UnsupportedError) Error() string {
	msg := fmt.Sprintf("%s image cannot be loaded as %s", e.Format, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupportedFormat }
