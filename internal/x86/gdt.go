package x86

import "encoding/binary"

// SegmentDescriptor is one packed 8-byte descriptor table entry in
// the legacy layout: limit and base scattered across the word, an
// access byte, and a flag nibble.
type SegmentDescriptor uint64

// Access byte bits.
const (
	SegAccessed   uint8 = 1 << 0
	SegWritable   uint8 = 1 << 1 // readable, for code segments
	SegDirection  uint8 = 1 << 2
	SegExecutable uint8 = 1 << 3
	SegCodeData   uint8 = 1 << 4 // clear means system segment
	SegPresent    uint8 = 1 << 7
)

// Flag nibble bits.
const (
	SegAvailable   uint8 = 1 << 0
	SegLongMode    uint8 = 1 << 1 // L: 64-bit code segment, D must be clear
	Seg32Bit       uint8 = 1 << 2 // D/B: default operand size
	SegGranularity uint8 = 1 << 3 // G: limit counts 4KiB pages
)

// Selectors into the boot descriptor table.
const (
	SelectorNull uint16 = 0x00
	SelectorCode uint16 = 0x08
	SelectorData uint16 = 0x10
)

// NewSegmentDescriptor packs base, a 20-bit limit, the access byte
// and the flag nibble into the descriptor layout.
func NewSegmentDescriptor(base uint32, limit uint32, access, flags uint8) SegmentDescriptor {
	d := uint64(limit & 0xFFFF)
	d |= uint64(base&0xFFFF) << 16
	d |= uint64((base>>16)&0xFF) << 32
	d |= uint64(access) << 40
	d |= uint64((limit>>16)&0xF) << 48
	d |= uint64(flags&0xF) << 52
	d |= uint64((base>>24)&0xFF) << 56
	return SegmentDescriptor(d)
}

// Base returns the descriptor's segment base.
func (d SegmentDescriptor) Base() uint32 {
	return uint32(d>>16)&0xFFFFFF | uint32(d>>32)&0xFF000000
}

// Limit returns the raw 20-bit limit field, in pages when the
// granularity flag is set.
func (d SegmentDescriptor) Limit() uint32 {
	return uint32(d)&0xFFFF | uint32(d>>32)&0xF0000
}

// Access returns the access byte.
func (d SegmentDescriptor) Access() uint8 {
	return uint8(d >> 40)
}

// Flags returns the flag nibble.
func (d SegmentDescriptor) Flags() uint8 {
	return uint8(d>>52) & 0xF
}

// ByteLimit returns the limit expanded to bytes, honoring the
// granularity flag.
func (d SegmentDescriptor) ByteLimit() uint32 {
	limit := d.Limit()
	if d.Flags()&SegGranularity != 0 {
		return limit<<12 | 0xFFF
	}
	return limit
}

// Bytes returns the descriptor in its in-memory form.
func (d SegmentDescriptor) Bytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(d))
	return b[:]
}

// BootGDT returns the fixed descriptor table every core loads on its
// way into long mode: null, a 64-bit flat code segment, and a flat
// data segment. The layout never changes after boot, so the table can
// be encoded once and shared.
func BootGDT() [3]SegmentDescriptor {
	return [3]SegmentDescriptor{
		0,
		NewSegmentDescriptor(0, 0xFFFFF,
			SegPresent|SegCodeData|SegExecutable|SegWritable,
			SegLongMode|SegGranularity),
		NewSegmentDescriptor(0, 0xFFFFF,
			SegPresent|SegCodeData|SegWritable,
			Seg32Bit|SegGranularity),
	}
}

// EncodeTable flattens descriptors into the byte image a descriptor
// table register points at.
func EncodeTable(entries []SegmentDescriptor) []byte {
	out := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		out = append(out, e.Bytes()...)
	}
	return out
}

// DescriptorTablePointer is the operand of a descriptor table load: a
// limit covering the table and the linear address of its first entry.
type DescriptorTablePointer struct {
	Limit uint16
	Base  uint64
}

// BootGDTPointer returns the pointer record for the boot table placed
// at the given linear address.
func BootGDTPointer(base uint64) DescriptorTablePointer {
	gdt := BootGDT()
	return DescriptorTablePointer{
		Limit: uint16(len(gdt)*8 - 1),
		Base:  base,
	}
}

// Bytes returns the 10-byte long-mode image of the pointer.
func (p DescriptorTablePointer) Bytes() []byte {
	var b [10]byte
	binary.LittleEndian.PutUint16(b[0:2], p.Limit)
	binary.LittleEndian.PutUint64(b[2:10], p.Base)
	return b[:]
}

// LegacyBytes returns the 6-byte image loaded by a descriptor table
// load issued with a 32-bit operand, the form the real-mode boot code
// uses. The base must sit below 4GiB; boot tables always do.
func (p DescriptorTablePointer) LegacyBytes() []byte {
	var b [6]byte
	binary.LittleEndian.PutUint16(b[0:2], p.Limit)
	binary.LittleEndian.PutUint32(b[2:6], uint32(p.Base))
	return b[:]
}
