// Package ap holds the state the bootstrap processor publishes for
// the secondary cores and the contracts the bring-up backends share.
package ap

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySealed is returned when a builder is sealed twice.
	ErrAlreadySealed = errors.New("ap: boot info already sealed")

	// ErrNoStackForCore reports a core whose resolved identity has no
	// entry in the stack table. The table must cover every core the
	// wake protocol releases; this surfaces a provisioning bug.
	ErrNoStackForCore = errors.New("ap: no stack for core")

	// ErrKernelReturned reports a kernel entry point that returned.
	// The handoff is irrevocable; control never comes back.
	ErrKernelReturned = errors.New("ap: kernel entry returned")
)

// KernelEntry is the destination of the handoff. It runs on the
// core's bound stack, receives nothing, and must not return.
type KernelEntry func()

const (
	pageTableAlign = 0x1000
	stackAlign     = 16
)

// BootInfo is the state shared by every waking core: the page-table
// root and the per-core stack table. It is immutable once sealed, so
// cores read it without synchronization.
type BootInfo struct {
	pageTableRoot uint64
	stacks        []uint64
}

// PageTableRoot returns the physical address every core loads into
// CR3.
func (b *BootInfo) PageTableRoot() uint64 {
	return b.pageTableRoot
}

// StackCount returns the number of provisioned stack slots.
func (b *BootInfo) StackCount() int {
	return len(b.stacks)
}

// Stack returns the stack top provisioned for the given core
// identifier. ok is false when the table has no slot for it.
func (b *BootInfo) Stack(id uint32) (uint64, bool) {
	if uint64(id) >= uint64(len(b.stacks)) {
		return 0, false
	}
	return b.stacks[id], true
}

// StackTable returns a copy of the stack table in identifier order.
func (b *BootInfo) StackTable() []uint64 {
	out := make([]uint64, len(b.stacks))
	copy(out, b.stacks)
	return out
}

// Builder collects boot state before publication. Fields may be set
// freely until Seal, which validates them and returns the immutable
// BootInfo the cores share. The builder is consumed by Seal: sealing
// twice fails, and later field writes do not reach the published
// state.
type Builder struct {
	// PageTableRoot is the physical address of the shared top-level
	// paging structure. It must be nonzero and 4KiB aligned.
	PageTableRoot uint64

	// Stacks holds one stack top per core identifier, in identifier
	// order. Every entry must be nonzero and 16-byte aligned.
	Stacks []uint64

	sealed bool
}

// Seal validates the collected state and publishes it.
func (b *Builder) Seal() (*BootInfo, error) {
	if b.sealed {
		return nil, ErrAlreadySealed
	}

	if b.PageTableRoot == 0 {
		return nil, fmt.Errorf("ap: page table root not set")
	}
	if b.PageTableRoot%pageTableAlign != 0 {
		return nil, fmt.Errorf("ap: page table root 0x%x not 4KiB aligned", b.PageTableRoot)
	}

	for i, top := range b.Stacks {
		if top == 0 {
			return nil, fmt.Errorf("ap: stack %d not set", i)
		}
		if top%stackAlign != 0 {
			return nil, fmt.Errorf("ap: stack %d top 0x%x not 16-byte aligned", i, top)
		}
	}

	b.sealed = true

	stacks := make([]uint64, len(b.Stacks))
	copy(stacks, b.Stacks)

	return &BootInfo{
		pageTableRoot: b.PageTableRoot,
		stacks:        stacks,
	}, nil
}
