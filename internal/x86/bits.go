// Package x86 defines the architectural state the boot path works in
// terms of: control register and EFER bits, the CPUID query model, and
// segment descriptor encoding.
package x86

// CR0 bits
const (
	CR0PE uint64 = 1 << 0  // protected mode enable
	CR0MP uint64 = 1 << 1  // monitor coprocessor
	CR0EM uint64 = 1 << 2  // FPU emulation
	CR0TS uint64 = 1 << 3  // task switched
	CR0ET uint64 = 1 << 4  // extension type
	CR0NE uint64 = 1 << 5  // numeric error
	CR0WP uint64 = 1 << 16 // write protect
	CR0AM uint64 = 1 << 18 // alignment mask
	CR0NW uint64 = 1 << 29 // not write-through
	CR0CD uint64 = 1 << 30 // cache disable
	CR0PG uint64 = 1 << 31 // paging enable
)

// CR4 bits
const (
	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5 // physical address extension
	CR4MCE        uint64 = 1 << 6
	CR4PGE        uint64 = 1 << 7 // global pages
	CR4PCE        uint64 = 1 << 8
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4UMIP       uint64 = 1 << 11
	CR4FSGSBASE   uint64 = 1 << 16
	CR4PCIDE      uint64 = 1 << 17
	CR4OSXSAVE    uint64 = 1 << 18
	CR4SMEP       uint64 = 1 << 20
	CR4SMAP       uint64 = 1 << 21
)

// EFER bits
const (
	EFERSCE   uint64 = 1 << 0  // syscall/sysret
	EFERLME   uint64 = 1 << 8  // long mode enable
	EFERLMA   uint64 = 1 << 10 // long mode active (hardware-set)
	EFERNXE   uint64 = 1 << 11 // no-execute paging
	EFERSVME  uint64 = 1 << 12
	EFERFFXSR uint64 = 1 << 14
)

// MSR addresses
const (
	MSREFER uint32 = 0xC000_0080
)

// RFlagsDefault is the architectural reset value of RFLAGS. Bit 1 is
// reserved and always reads as set.
const RFlagsDefault uint64 = 0x2

// EnablePagingFeatures turns on the paging features every core sets
// before paging itself: physical address extension, required for
// long mode, and global pages so kernel mappings survive CR3 loads.
func EnablePagingFeatures(cr4 uint64) uint64 {
	return cr4 | CR4PAE | CR4PGE
}

// EnableLongMode requests IA-32e operation. The bit is latent until
// the moment paging turns on.
func EnableLongMode(efer uint64) uint64 {
	return efer | EFERLME
}

// EnableNoExecute turns on no-execute page protection. Callers probe
// support first; writing the bit on a core without it faults.
func EnableNoExecute(efer uint64) uint64 {
	return efer | EFERNXE
}

// EnableProtectedPaging sets PE and PG together, the single write
// that takes a core with LME pending straight from real mode into
// long mode.
func EnableProtectedPaging(cr0 uint64) uint64 {
	return cr0 | CR0PG | CR0PE
}
