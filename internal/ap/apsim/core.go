// Package apsim runs the application-processor bring-up sequence on
// simulated cores, so its ordering and register effects can be
// exercised on any host. Each core is a register snapshot advanced by
// a fixed step sequence; a machine releases many cores at once the
// way the wake protocol does.
package apsim

import (
	"errors"
	"fmt"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/topo"
	"github.com/tinyrange/mpboot/internal/x86"
)

// ErrHandedOff is returned by Step once control has left the bring-up
// path. There is no next instruction to simulate.
var ErrHandedOff = errors.New("apsim: core has handed off")

// Mode is the operating mode a simulated core is in.
type Mode uint8

const (
	// ModeReal is the 16-bit wake-up state.
	ModeReal Mode = iota

	// ModeLong is 64-bit operation, entered at the far transfer.
	ModeLong

	// ModeKernel is terminal: control belongs to the kernel entry.
	ModeKernel
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeLong:
		return "long"
	case ModeKernel:
		return "kernel"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Step identifies one stage of the bring-up sequence. The constants
// are declared in execution order.
type Step uint8

const (
	// StepEnableFeatures turns on PAE and global pages in CR4.
	StepEnableFeatures Step = iota

	// StepLoadPageTableRoot loads CR3 with the shared root, exactly
	// as published.
	StepLoadPageTableRoot

	// StepEnableNoExecute probes for NX and sets EFER.NXE when the
	// core has it. Cores without it skip silently.
	StepEnableNoExecute

	// StepEnableLongMode sets EFER.LME unconditionally.
	StepEnableLongMode

	// StepEnablePaging sets CR0.PG and CR0.PE in one write, which
	// activates long mode.
	StepEnablePaging

	// StepSerialize issues CPUID leaf 0 to drain the pipeline before
	// the far transfer. The result is discarded.
	StepSerialize

	// StepLoadDescriptors loads the boot descriptor table and
	// transfers into the 64-bit code segment, reloading the data
	// selectors on the far side.
	StepLoadDescriptors

	// StepResolveIdentity runs the topology cascade.
	StepResolveIdentity

	// StepBindStack points RSP at this core's slot of the stack
	// table.
	StepBindStack

	// StepHandoff transfers to the kernel entry. Terminal.
	StepHandoff

	stepDone
)

func (s Step) String() string {
	switch s {
	case StepEnableFeatures:
		return "enable-features"
	case StepLoadPageTableRoot:
		return "load-page-table-root"
	case StepEnableNoExecute:
		return "enable-no-execute"
	case StepEnableLongMode:
		return "enable-long-mode"
	case StepEnablePaging:
		return "enable-paging"
	case StepSerialize:
		return "serialize"
	case StepLoadDescriptors:
		return "load-descriptors"
	case StepResolveIdentity:
		return "resolve-identity"
	case StepBindStack:
		return "bind-stack"
	case StepHandoff:
		return "handoff"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// Core is the register-level state of one simulated application
// processor.
type Core struct {
	// Control registers.
	CR0 uint64
	CR3 uint64
	CR4 uint64

	// Extended feature enable MSR.
	EFER uint64

	// Stack pointer, live once the stack is bound.
	RSP uint64

	// GDTBase is where the embedding harness placed the boot table.
	// The simulation only tracks that the fixed table was loaded
	// there; it keeps no memory image.
	GDTBase uint64

	// Descriptor table register and selectors after the far transfer.
	GDTR x86.DescriptorTablePointer
	CS   uint16
	DS   uint16
	ES   uint16
	SS   uint16

	// ID is the resolved core identity.
	ID uint32

	// Mode is the current operating mode.
	Mode Mode

	// Next is the step the core executes on the next Step call.
	Next Step

	// Trace records every completed step in order.
	Trace []Step

	info    *ap.BootInfo
	querier x86.Querier
	entry   ap.KernelEntry
}

// NewCore returns a core in its wake-up state: real mode, registers
// clear, sequence at the first step. The entry may be nil, modeling a
// kernel the simulation does not follow into.
func NewCore(info *ap.BootInfo, querier x86.Querier, entry ap.KernelEntry) *Core {
	return &Core{
		Mode:    ModeReal,
		Next:    StepEnableFeatures,
		info:    info,
		querier: querier,
		entry:   entry,
	}
}

// Step executes the next stage of the sequence. After the handoff
// step it returns ErrHandedOff.
func (c *Core) Step() error {
	step := c.Next

	switch step {
	case StepEnableFeatures:
		c.CR4 = x86.EnablePagingFeatures(c.CR4)
	case StepLoadPageTableRoot:
		c.CR3 = c.info.PageTableRoot()
	case StepEnableNoExecute:
		if x86.SupportsNX(c.querier) {
			c.EFER = x86.EnableNoExecute(c.EFER)
		}
	case StepEnableLongMode:
		c.EFER = x86.EnableLongMode(c.EFER)
	case StepEnablePaging:
		c.CR0 = x86.EnableProtectedPaging(c.CR0)
	case StepSerialize:
		_ = c.querier.Query(x86.LeafVendor, 0)
	case StepLoadDescriptors:
		c.GDTR = x86.BootGDTPointer(c.GDTBase)
		c.CS = x86.SelectorCode
		c.DS = x86.SelectorData
		c.ES = x86.SelectorData
		c.SS = x86.SelectorData
		c.Mode = ModeLong
	case StepResolveIdentity:
		c.ID = topo.Resolve(c.querier)
	case StepBindStack:
		top, ok := c.info.Stack(c.ID)
		if !ok {
			return fmt.Errorf("core %d: %w", c.ID, ap.ErrNoStackForCore)
		}
		c.RSP = top
	case StepHandoff:
		// handled below, after the trace entry
	case stepDone:
		return ErrHandedOff
	}

	c.Trace = append(c.Trace, step)
	c.Next++

	if step == StepHandoff {
		c.Mode = ModeKernel
		if c.entry != nil {
			c.entry()
			return ap.ErrKernelReturned
		}
	}

	return nil
}

// Run executes the remaining steps. It returns nil once the core has
// handed off.
func (c *Core) Run() error {
	for c.Next != stepDone {
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}
