//go:build ignore

// This file demonstrates every public API in the mpboot package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	mpboot "github.com/tinyrange/mpboot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type memory []byte

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Builder - collect and seal the shared boot state
	// =========================================================================
	builder := &mpboot.Builder{
		PageTableRoot: 0x10_0000, // 4KiB aligned
		Stacks: []uint64{ // one top per core identifier, 16-byte aligned
			0x4000, 0x5000, 0x6000, 0x7000,
		},
	}

	info, err := builder.Seal()
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	// BootInfo accessors
	_ = info.PageTableRoot() // value every core loads into CR3
	_ = info.StackCount()    // provisioned slots
	_, _ = info.Stack(2)     // stack top for core 2, ok=false if absent
	_ = info.StackTable()    // copy of the whole table

	// Sealing twice fails.
	if _, err := builder.Seal(); !errors.Is(err, mpboot.ErrAlreadySealed) {
		return fmt.Errorf("expected ErrAlreadySealed, got %v", err)
	}

	// =========================================================================
	// Trampoline - boot code image for real wake protocols
	// =========================================================================
	blob, err := mpboot.BuildTrampoline(0x8000, info, 0x20_0000)
	if err != nil {
		return fmt.Errorf("build trampoline: %w", err)
	}
	_ = blob.Image             // raw bytes
	_ = blob.Layout.Vector     // startup-IPI vector selecting the base
	_ = blob.Layout.StackTable // where the in-page stack table sits
	_ = blob.Patches.Entry     // image offset of the kernel entry qword

	// Install into guest memory, separately or in one call.
	mem := make(memory, 1<<20)
	if err := blob.Install(mem); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	layout, err := mpboot.InstallTrampoline(mem, 0x8000, info, 0x20_0000)
	if err != nil {
		return fmt.Errorf("install trampoline: %w", err)
	}
	_ = layout.Size

	// =========================================================================
	// Simulator - step the same sequence in pure Go
	// =========================================================================
	querier := func(core int) mpboot.CPUIDQuerier {
		return staticCPUID(uint32(core))
	}

	m := mpboot.NewMachine(info, 4, querier, nil)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}
	for i, c := range m.Cores {
		fmt.Printf("core %d: id=%d rsp=%#x mode=%v\n", i, c.ID, c.RSP, c.Mode)
		_ = c.Mode == mpboot.ModeKernel
	}

	// Profiles describe whole machines, loadable from YAML.
	p := mpboot.DefaultProfile()
	if _, err := p.Machine(nil); err != nil {
		return fmt.Errorf("profile machine: %w", err)
	}
	if _, err := mpboot.LoadProfile("machine.yaml"); err != nil {
		fmt.Println("no profile file:", err)
	}

	// =========================================================================
	// Identity resolution - shared by every backend
	// =========================================================================
	id := mpboot.ResolveCoreID(staticCPUID(3))
	_ = id

	// =========================================================================
	// KVM - load the end state straight onto a vCPU
	// =========================================================================
	// The embedder places the descriptor table itself.
	gdtImage := mpboot.BootGDTImage()
	copy(mem[0x9000:], gdtImage)

	cfg := mpboot.KVMConfig{
		Info:    info,
		CoreID:  1,
		Entry:   0x20_0000,
		GDTBase: 0x9000,
		NX:      true,
	}
	vcpuFd := -1 // from KVM_CREATE_VCPU
	if err := mpboot.StartKVMCore(vcpuFd, cfg); err != nil {
		if errors.Is(err, mpboot.ErrKVMUnsupported) {
			fmt.Println("kvm unavailable on this platform")
		}
	}

	// =========================================================================
	// Sentinel errors
	// =========================================================================
	_ = mpboot.ErrAlreadySealed
	_ = mpboot.ErrNoStackForCore
	_ = mpboot.ErrKernelReturned
	_ = mpboot.ErrKVMUnsupported

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ mpboot.BootInfo         // sealed shared state
		_ mpboot.Builder          // state collector
		_ mpboot.KernelEntry      // handoff destination
		_ mpboot.Trampoline       // built boot image
		_ mpboot.TrampolineLayout // installed addresses
		_ mpboot.Machine          // simulated multiprocessor
		_ mpboot.Core             // one simulated core
		_ mpboot.Profile          // machine description
		_ mpboot.KVMConfig        // vCPU start configuration
		_ mpboot.CPUIDResult      // four-register CPUID answer
	)

	return nil
}

// staticCPUID is a minimal CPUIDQuerier with a fixed identity.
type staticCPUID uint32

func (s staticCPUID) Query(leaf, subleaf uint32) mpboot.CPUIDResult {
	if subleaf != 0 {
		return mpboot.CPUIDResult{}
	}
	switch leaf {
	case 0:
		return mpboot.CPUIDResult{EAX: 0x1F, EBX: 0x756E6547, ECX: 0x6C65746E, EDX: 0x49656E69}
	case 1:
		return mpboot.CPUIDResult{EBX: (uint32(s) & 0xFF) << 24}
	case 0x0B, 0x1F:
		return mpboot.CPUIDResult{EAX: 1, EBX: 1, ECX: 0x0100, EDX: uint32(s)}
	case 0x8000_0001:
		return mpboot.CPUIDResult{EDX: 1 << 20}
	}
	return mpboot.CPUIDResult{}
}

// Compile-time interface checks
var _ io.WriterAt = (memory)(nil)
