// Package mpboot builds the path a secondary x86-64 core travels from
// its 16-bit wake to 64-bit kernel code: a relocatable trampoline for
// real hardware, a register-level loader for KVM vCPUs, and a pure Go
// simulator that steps the same sequence for tests.
//
// The bootstrap processor seals the shared state with a Builder, then
// either installs a trampoline into low guest memory and points the
// wake protocol at it, or loads the end state directly onto a vCPU
// with StartKVMCore.
package mpboot

import (
	"io"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/ap/apkvm"
	"github.com/tinyrange/mpboot/internal/ap/apsim"
	"github.com/tinyrange/mpboot/internal/topo"
	"github.com/tinyrange/mpboot/internal/tramp"
	"github.com/tinyrange/mpboot/internal/x86"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// BootInfo is the immutable state every waking core reads: the shared
// page-table root and the per-core stack table.
type BootInfo = ap.BootInfo

// Builder collects boot state and seals it into a BootInfo.
type Builder = ap.Builder

// KernelEntry is the destination of the handoff. It must not return.
type KernelEntry = ap.KernelEntry

// Trampoline is a built boot code image awaiting installation.
type Trampoline = tramp.Blob

// TrampolineLayout records where the pieces of an installed
// trampoline landed, including the wake vector.
type TrampolineLayout = tramp.Layout

// Machine is a simulated multiprocessor running one Core per
// secondary core.
type Machine = apsim.Machine

// Core is one simulated core stepping through the bring-up sequence.
type Core = apsim.Core

// Profile describes a simulated machine, loadable from YAML.
type Profile = apsim.Profile

// KVMConfig describes one core to start on a KVM vCPU.
type KVMConfig = apkvm.Config

// CPUIDResult holds the four registers a CPUID query returns.
type CPUIDResult = x86.Result

// CPUIDQuerier answers CPUID queries for identity resolution.
type CPUIDQuerier = x86.Querier

// Simulated core mode constants.
const (
	ModeReal   = apsim.ModeReal
	ModeLong   = apsim.ModeLong
	ModeKernel = apsim.ModeKernel
)

// Common sentinel errors.
var (
	ErrAlreadySealed  = ap.ErrAlreadySealed
	ErrNoStackForCore = ap.ErrNoStackForCore
	ErrKernelReturned = ap.ErrKernelReturned

	// ErrKVMUnsupported indicates StartKVMCore cannot work on this
	// platform. Use errors.Is to check and skip tests in CI.
	ErrKVMUnsupported = apkvm.ErrUnsupported
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// BuildTrampoline builds the boot code image for installation at base,
// which must be 4KiB aligned and below 1MiB. Cores released at the
// image's wake vector walk to long mode and jump to entry on their
// own stacks.
func BuildTrampoline(base uint64, info *BootInfo, entry uint64) (*Trampoline, error) {
	return tramp.Build(base, info, entry)
}

// InstallTrampoline builds the image and writes it into guest memory.
func InstallTrampoline(w io.WriterAt, base uint64, info *BootInfo, entry uint64) (TrampolineLayout, error) {
	return tramp.Install(w, base, info, entry)
}

// StartKVMCore loads the bring-up end state onto a stopped KVM vCPU.
// When the caller resumes it, the core is in long mode at the kernel
// entry with its stack bound.
func StartKVMCore(vcpuFd int, cfg KVMConfig) error {
	return apkvm.StartAP(vcpuFd, cfg)
}

// NewMachine builds a simulated machine of n cores over sealed boot
// state. The querier supplies each core's CPUID environment.
func NewMachine(info *BootInfo, n int, querier func(core int) CPUIDQuerier, entry KernelEntry) *Machine {
	return apsim.NewMachine(info, n, querier, entry)
}

// LoadProfile reads a machine profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	return apsim.LoadProfile(path)
}

// DefaultProfile returns a small NX-capable machine for quick runs.
func DefaultProfile() *Profile {
	return apsim.DefaultProfile()
}

// ResolveCoreID runs the identity cascade against the given CPUID
// environment and returns the core's identifier.
func ResolveCoreID(q CPUIDQuerier) uint32 {
	return topo.Resolve(q)
}

// BootGDTImage returns the encoded boot descriptor table for embedders
// that place it in guest memory themselves, as StartKVMCore requires.
func BootGDTImage() []byte {
	gdt := x86.BootGDT()
	return x86.EncodeTable(gdt[:])
}
