// Package tramp generates the relocatable machine-code trampoline a
// woken application processor executes: 16-bit code that enables PAE,
// global pages, optional NX and long mode, turns paging on, loads the
// boot descriptor table and far-jumps into a 64-bit tail that
// resolves the core's identity, binds its stack and jumps to the
// kernel entry.
//
// The image is self-contained: descriptor table, table pointer and
// stack table travel inside the page, so installing it below 1MiB and
// pointing a startup IPI at its base is the whole provisioning step.
package tramp

import (
	"fmt"
	"io"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/x86"
)

const (
	pageSize       = 0x1000
	lowMemoryLimit = 0x10_0000
)

// Layout records where the pieces of a built trampoline sit in guest
// physical memory.
type Layout struct {
	// Base is the page base and the 16-bit entry point.
	Base uint64

	// Code64 is the target of the far transfer.
	Code64 uint64

	// GDT, GDTPointer and StackTable locate the in-page data.
	GDT        uint64
	GDTPointer uint64
	StackTable uint64

	// Size is the image length in bytes.
	Size int

	// Vector is the startup-IPI vector that selects Base.
	Vector uint8
}

// Patches lists the image offsets of the base- and boot-state-
// dependent immediates.
type Patches struct {
	PageTableRoot int // dword: CR3 load
	FarJumpTarget int // dword: far pointer offset
	GDTBase       int // dword: base field of the table pointer
	StackTable    int // qword: stack table address
	Entry         int // qword: kernel entry address
}

// Blob is an assembled trampoline image.
type Blob struct {
	Image   []byte
	Layout  Layout
	Patches Patches
}

// Build assembles the trampoline for a page at base, using the sealed
// boot info and jumping to entry once a core is up. The base must be
// 4KiB aligned and the whole image must fit below 1MiB; the page-table
// root must sit below 4GiB because the 16-bit code loads it through a
// 32-bit register.
func Build(base uint64, info *ap.BootInfo, entry uint64) (*Blob, error) {
	if base == 0 || base%pageSize != 0 {
		return nil, fmt.Errorf("tramp: base 0x%x not a nonzero 4KiB-aligned address", base)
	}
	if base >= lowMemoryLimit {
		return nil, fmt.Errorf("tramp: base 0x%x not below 1MiB", base)
	}
	if info.PageTableRoot() > 0xFFFF_FFFF {
		return nil, fmt.Errorf("tramp: page table root 0x%x not below 4GiB", info.PageTableRoot())
	}
	if entry == 0 {
		return nil, fmt.Errorf("tramp: kernel entry not set")
	}

	var p Patches
	w := &blobWriter{}

	// 16-bit wake section. CS arrives as base>>4 with IP 0; DS is
	// pointed at the same page so the data references below resolve.
	w.raw(0xFA)       // cli
	w.raw(0xFC)       // cld
	w.raw(0x8C, 0xC8) // mov ax, cs
	w.raw(0x8E, 0xD8) // mov ds, ax

	w.raw(0x0F, 0x20, 0xE0) // mov eax, cr4
	w.raw(0x66, 0x0D)       // or eax, PAE|PGE
	w.u32(uint32(x86.CR4PAE | x86.CR4PGE))
	w.raw(0x0F, 0x22, 0xE0) // mov cr4, eax

	w.raw(0x66, 0xB8) // mov eax, page table root
	p.PageTableRoot = w.off()
	w.u32(uint32(info.PageTableRoot()))
	w.raw(0x0F, 0x22, 0xD8) // mov cr3, eax

	w.raw(0x66, 0xB8) // mov eax, extended feature leaf
	w.u32(x86.LeafExtFeatures)
	w.raw(0x0F, 0xA2)       // cpuid
	w.raw(0x66, 0xF7, 0xC2) // test edx, NX
	w.u32(x86.ExtFeatureNX)
	skipNX := w.jump8(0x74) // jz past the NXE write
	w.eferSet(uint32(x86.EFERNXE))
	w.bindJump8(skipNX)

	w.eferSet(uint32(x86.EFERLME))

	w.raw(0x0F, 0x20, 0xC0) // mov eax, cr0
	w.raw(0x66, 0x0D)       // or eax, PG|PE
	w.u32(uint32(x86.CR0PG | x86.CR0PE))
	w.raw(0x0F, 0x22, 0xC0) // mov cr0, eax

	w.raw(0x66, 0x31, 0xC0) // xor eax, eax
	w.raw(0x0F, 0xA2)       // cpuid, for the serialization alone

	w.raw(0x66, 0x0F, 0x01, 0x16) // lgdt [table pointer]
	lgdtDisp := w.off()
	w.u16(0)

	w.raw(0x66, 0xEA) // jmp far code64
	p.FarJumpTarget = w.off()
	w.u32(0)
	w.u16(x86.SelectorCode)

	// 64-bit tail.
	code64 := w.off()
	w.raw(0x66, 0xB8) // mov ax, data selector
	w.u16(x86.SelectorData)
	w.raw(0x8E, 0xD8) // mov ds, ax
	w.raw(0x8E, 0xC0) // mov es, ax
	w.raw(0x8E, 0xD0) // mov ss, ax

	w.topoProbe(x86.LeafTopologyV2)
	haveV2 := w.jump8(0x75) // jnz: wide identifier in esi
	w.topoProbe(x86.LeafTopology)
	haveTopo := w.jump8(0x75)

	w.raw(0xB8) // mov eax, feature leaf
	w.u32(x86.LeafFeatures)
	w.raw(0x0F, 0xA2)       // cpuid
	w.raw(0x89, 0xDE)       // mov esi, ebx
	w.raw(0xC1, 0xEE, 0x18) // shr esi, 24: initial APIC ID

	w.bindJump8(haveV2)
	w.bindJump8(haveTopo)

	w.raw(0x48, 0xBB) // mov rbx, stack table
	p.StackTable = w.off()
	w.u64(0)
	w.raw(0x48, 0x8B, 0x24, 0xF3) // mov rsp, [rbx+rsi*8]

	w.raw(0x48, 0xB8) // mov rax, kernel entry
	p.Entry = w.off()
	w.u64(entry)
	w.raw(0xFF, 0xE0) // jmp rax

	// In-page data.
	w.align(8)
	gdtOff := w.off()
	gdt := x86.BootGDT()
	w.bytes(x86.EncodeTable(gdt[:]))

	gdtPtrOff := w.off()
	w.bytes(x86.BootGDTPointer(base + uint64(gdtOff)).LegacyBytes())
	p.GDTBase = gdtPtrOff + 2

	w.align(8)
	tableOff := w.off()
	for _, top := range info.StackTable() {
		w.u64(top)
	}

	w.patch16(lgdtDisp, uint16(gdtPtrOff))
	w.patch32(p.FarJumpTarget, uint32(base)+uint32(code64))
	w.patch64(p.StackTable, base+uint64(tableOff))

	if len(w.buf) > pageSize {
		return nil, fmt.Errorf("tramp: image %d bytes exceeds one page; stack table too large", len(w.buf))
	}
	if base+uint64(len(w.buf)) > lowMemoryLimit {
		return nil, fmt.Errorf("tramp: image ends above 1MiB")
	}

	return &Blob{
		Image: w.buf,
		Layout: Layout{
			Base:       base,
			Code64:     base + uint64(code64),
			GDT:        base + uint64(gdtOff),
			GDTPointer: base + uint64(gdtPtrOff),
			StackTable: base + uint64(tableOff),
			Size:       len(w.buf),
			Vector:     uint8(base >> 12),
		},
		Patches: p,
	}, nil
}

// Install writes the image into guest memory at its base.
func (b *Blob) Install(w io.WriterAt) error {
	if _, err := w.WriteAt(b.Image, int64(b.Layout.Base)); err != nil {
		return fmt.Errorf("tramp: install at 0x%x: %w", b.Layout.Base, err)
	}
	return nil
}

// Install builds the trampoline and writes it into guest memory in
// one step, returning where everything landed.
func Install(w io.WriterAt, base uint64, info *ap.BootInfo, entry uint64) (Layout, error) {
	b, err := Build(base, info, entry)
	if err != nil {
		return Layout{}, err
	}
	if err := b.Install(w); err != nil {
		return Layout{}, err
	}
	return b.Layout, nil
}
