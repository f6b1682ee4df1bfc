package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/lunixbochs/struc"

	"github.com/tinyrange/bootload/internal/fdt"
)

// Field is one named attribute pulled out of an artifact header.
type Field struct {
	Name  string
	Value string
}

// Description is a human readable summary of an artifact header.
type Description struct {
	Format Format
	Fields []Field
	// Warnings collects header inconsistencies that do not stop a load.
	Warnings []string
}

func (d *Description) add(name, format string, args ...any) {
	d.Fields = append(d.Fields, Field{Name: name, Value: fmt.Sprintf(format, args...)})
}

func (d *Description) warn(format string, args ...any) {
	d.Warnings = append(d.Warnings, fmt.Sprintf(format, args...))
}

// Lookup returns the value of the named field.
func (d Description) Lookup(name string) (string, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

type zImageHeader struct {
	Code  string `struc:"[36]byte"`
	Magic uint32 `struc:"uint32,little"`
	Start uint32 `struc:"uint32,little"`
	End   uint32 `struc:"uint32,little"`
}

type uImageHeader struct {
	Magic     uint32 `struc:"uint32,big"`
	HeaderCRC uint32 `struc:"uint32,big"`
	Time      uint32 `struc:"uint32,big"`
	Size      uint32 `struc:"uint32,big"`
	Load      uint32 `struc:"uint32,big"`
	Entry     uint32 `struc:"uint32,big"`
	DataCRC   uint32 `struc:"uint32,big"`
	OS        uint8  `struc:"uint8"`
	Arch      uint8  `struc:"uint8"`
	Type      uint8  `struc:"uint8"`
	Comp      uint8  `struc:"uint8"`
	Name      string `struc:"[32]byte"`
}

var uImageCompression = map[uint8]string{
	0: "none",
	1: "gzip",
	2: "bzip2",
	3: "lzma",
	4: "lzo",
	5: "lz4",
	6: "zstd",
}

// Describe summarises the header of an artifact already classified as f.
// size is the full artifact length, used for sanity checks.
func Describe(f Format, h Header, size uint64) Description {
	d := Description{Format: f}
	d.add("size", "%d", size)

	switch f {
	case Elf:
		describeElf(&d, h)
	case LinuxZImage:
		describeZImage(&d, h, size)
	case LinuxUImage:
		describeUImage(&d, h, size)
	case DeviceTree:
		describeDeviceTree(&d, h, size)
	case GzipInitialRamdisk:
		describeGzip(&d, h)
	case RawBinary:
		if a, ok := ProbeARM64Image(h); ok {
			d.add("arm64.text_offset", "%#x", a.TextOffset)
			d.add("arm64.image_size", "%#x", a.ImageSize)
			d.add("arm64.flags", "%#x", a.Flags)
		}
	}
	return d
}

func describeElf(d *Description, h Header) {
	class := elf.Class(h[elf.EI_CLASS])
	data := elf.Data(h[elf.EI_DATA])
	d.add("elf.class", "%s", class)
	d.add("elf.data", "%s", data)

	var order binary.ByteOrder = binary.LittleEndian
	if data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}
	d.add("elf.type", "%s", elf.Type(order.Uint16(h[16:18])))
	d.add("elf.machine", "%s", elf.Machine(order.Uint16(h[18:20])))
	switch class {
	case elf.ELFCLASS64:
		d.add("elf.entry", "%#x", order.Uint64(h[24:32]))
	case elf.ELFCLASS32:
		d.add("elf.entry", "%#x", order.Uint32(h[24:28]))
	}
}

func describeZImage(d *Description, h Header, size uint64) {
	var z zImageHeader
	if err := struc.Unpack(bytes.NewReader(h[:]), &z); err != nil {
		d.warn("decode zimage header: %v", err)
		return
	}
	d.add("zimage.start", "%#x", z.Start)
	d.add("zimage.end", "%#x", z.End)
	if z.End > z.Start && uint64(z.End-z.Start) > size {
		d.warn("zimage header claims %d bytes, artifact has %d", z.End-z.Start, size)
	}
}

func describeUImage(d *Description, h Header, size uint64) {
	var u uImageHeader
	if err := struc.Unpack(bytes.NewReader(h[:]), &u); err != nil {
		d.warn("decode uimage header: %v", err)
		return
	}
	d.add("uimage.name", "%s", strings.TrimRight(u.Name, "\x00"))
	d.add("uimage.load", "%#x", u.Load)
	d.add("uimage.entry", "%#x", u.Entry)
	d.add("uimage.data_size", "%d", u.Size)
	d.add("uimage.created", "%s", time.Unix(int64(u.Time), 0).UTC().Format(time.RFC3339))
	if comp, ok := uImageCompression[u.Comp]; ok {
		d.add("uimage.compression", "%s", comp)
	} else {
		d.add("uimage.compression", "unknown(%d)", u.Comp)
	}
	if uint64(u.Size)+HeaderSize > size {
		d.warn("uimage payload of %d bytes truncated (artifact has %d)", u.Size, size)
	}
}

func describeDeviceTree(d *Description, h Header, size uint64) {
	hdr, err := fdt.ParseHeader(h[:])
	if err != nil {
		d.warn("%v", err)
		return
	}
	d.add("dtb.total_size", "%d", hdr.TotalSize)
	d.add("dtb.version", "%d", hdr.Version)
	d.add("dtb.last_comp_version", "%d", hdr.LastCompVersion)
	d.add("dtb.boot_cpuid", "%d", hdr.BootCPUIDPhys)
	if err := hdr.Validate(size); err != nil {
		d.warn("%v", err)
	}
}

func describeGzip(d *Description, h Header) {
	method := "deflate"
	if h[2] != 8 {
		method = fmt.Sprintf("unknown(%d)", h[2])
	}
	d.add("gzip.method", "%s", method)
	d.add("gzip.flags", "%#02x", h[3])
	if mtime := binary.LittleEndian.Uint32(h[4:8]); mtime != 0 {
		d.add("gzip.mtime", "%s", time.Unix(int64(mtime), 0).UTC().Format(time.RFC3339))
	}
	d.add("gzip.os", "%d", h[9])
}
