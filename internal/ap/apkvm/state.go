// Package apkvm loads the end state of the bring-up sequence straight
// into a KVM vCPU. An embedder that owns the vCPU's registers can
// skip the guest-executed trampoline: the same transforms the other
// backends run produce a register file here, and KVM starts the core
// already in long mode at the kernel entry.
package apkvm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/x86"
)

// ErrUnsupported is returned on platforms without KVM.
var ErrUnsupported = errors.New("apkvm: kvm unsupported on this platform")

// Config describes one core to start.
type Config struct {
	// Info is the sealed boot state.
	Info *ap.BootInfo

	// CoreID is the core's resolved identity, which selects its
	// stack. With KVM the host assigns identities instead of running
	// the CPUID cascade in-guest.
	CoreID uint32

	// Entry is the guest-physical kernel entry point.
	Entry uint64

	// GDTBase is where the embedder placed the boot descriptor
	// table image in guest memory.
	GDTBase uint64

	// NX enables no-execute paging. The embedder knows what its
	// guest CPU model advertises.
	NX bool
}

// kvm_regs and the related structures, mirrored with Go field names.

const kvmNrInterrupts = 256

type kvmRegs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

// segmentFromDescriptor expands a packed descriptor into KVM's
// segment cache form. A real segment load sets the accessed bit
// before the cache is filled; a cache written directly must already
// carry it, or VM entry rejects the guest state.
func segmentFromDescriptor(selector uint16, d x86.SegmentDescriptor) kvmSegment {
	access := d.Access()
	flags := d.Flags()

	return kvmSegment{
		Base:     uint64(d.Base()),
		Limit:    d.ByteLimit(),
		Selector: selector,
		Type:     access&0xF | x86.SegAccessed,
		S:        (access >> 4) & 1,
		Dpl:      (access >> 5) & 3,
		Present:  (access >> 7) & 1,
		Avl:      flags & 1,
		L:        (flags >> 1) & 1,
		Db:       (flags >> 2) & 1,
		G:        (flags >> 3) & 1,
	}
}

// applySRegs rewrites the mode-defining registers the way the
// sequence leaves them: boot descriptors in the segment caches, PAE
// and global pages on, CR3 at the shared root, long mode enabled and,
// because the core is loaded directly into paged operation, already
// active.
func applySRegs(s *kvmSRegs, cfg Config) {
	gdt := x86.BootGDT()
	code := segmentFromDescriptor(x86.SelectorCode, gdt[1])
	data := segmentFromDescriptor(x86.SelectorData, gdt[2])

	s.Cs = code
	s.Ds, s.Es, s.Fs, s.Gs, s.Ss = data, data, data, data, data

	ptr := x86.BootGDTPointer(cfg.GDTBase)
	s.Gdt = kvmDTable{Base: ptr.Base, Limit: ptr.Limit}

	s.Cr4 = x86.EnablePagingFeatures(s.Cr4)
	s.Cr3 = cfg.Info.PageTableRoot()
	if cfg.NX {
		s.Efer = x86.EnableNoExecute(s.Efer)
	}
	s.Efer = x86.EnableLongMode(s.Efer)
	s.Efer |= x86.EFERLMA
	s.Cr0 = x86.EnableProtectedPaging(s.Cr0)
}

// applyRegs binds the core's stack and points it at the kernel entry.
func applyRegs(r *kvmRegs, cfg Config) error {
	top, ok := cfg.Info.Stack(cfg.CoreID)
	if !ok {
		return fmt.Errorf("core %d: %w", cfg.CoreID, ap.ErrNoStackForCore)
	}

	r.Rsp = top
	r.Rip = cfg.Entry
	r.Rflags = x86.RFlagsDefault
	return nil
}
