package apsim

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/x86"
)

func testInfo(t *testing.T, stacks ...uint64) *ap.BootInfo {
	t.Helper()
	b := &ap.Builder{PageTableRoot: 0x23_4000, Stacks: stacks}
	info, err := b.Seal()
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return info
}

func testQuerier(id uint32, nx bool) x86.TableQuerier {
	q := x86.TableQuerier{
		x86.LeafTopologyV2: {EAX: 1, EBX: 1, ECX: 0x0100, EDX: id},
		x86.LeafFeatures:   {EBX: (id & 0xFF) << x86.InitialAPICIDShift},
	}
	if nx {
		q[x86.LeafExtFeatures] = x86.Result{EDX: x86.ExtFeatureNX}
	}
	return q
}

func TestCoreStepOrder(t *testing.T) {
	c := NewCore(testInfo(t, 0x7000), testQuerier(0, true), nil)

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []Step{
		StepEnableFeatures,
		StepLoadPageTableRoot,
		StepEnableNoExecute,
		StepEnableLongMode,
		StepEnablePaging,
		StepSerialize,
		StepLoadDescriptors,
		StepResolveIdentity,
		StepBindStack,
		StepHandoff,
	}
	if !reflect.DeepEqual(c.Trace, want) {
		t.Fatalf("Trace=%v, want %v", c.Trace, want)
	}
}

func TestCoreStateAtHandoff(t *testing.T) {
	info := testInfo(t, 0x7000, 0x8000)
	c := NewCore(info, testQuerier(1, true), nil)
	c.GDTBase = 0x8040

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got, want := c.CR4&(x86.CR4PAE|x86.CR4PGE), x86.CR4PAE|x86.CR4PGE; got != want {
		t.Fatalf("CR4 features=0x%x, want 0x%x", got, want)
	}
	if got, want := c.CR3, info.PageTableRoot(); got != want {
		t.Fatalf("CR3=0x%x, want 0x%x", got, want)
	}
	if got, want := c.EFER&(x86.EFERLME|x86.EFERNXE), x86.EFERLME|x86.EFERNXE; got != want {
		t.Fatalf("EFER=0x%x, want LME|NXE set", got)
	}
	if got, want := c.CR0&(x86.CR0PG|x86.CR0PE), x86.CR0PG|x86.CR0PE; got != want {
		t.Fatalf("CR0=0x%x, want PG|PE set", got)
	}
	if got, want := c.CS, x86.SelectorCode; got != want {
		t.Fatalf("CS=0x%x, want 0x%x", got, want)
	}
	if c.DS != x86.SelectorData || c.ES != x86.SelectorData || c.SS != x86.SelectorData {
		t.Fatalf("data selectors=%#x/%#x/%#x, want all 0x%x", c.DS, c.ES, c.SS, x86.SelectorData)
	}
	if got, want := c.GDTR, x86.BootGDTPointer(0x8040); got != want {
		t.Fatalf("GDTR=%+v, want %+v", got, want)
	}
	if got, want := c.ID, uint32(1); got != want {
		t.Fatalf("ID=%d, want %d", got, want)
	}
	if got, want := c.RSP, uint64(0x8000); got != want {
		t.Fatalf("RSP=0x%x, want 0x%x", got, want)
	}
	if got, want := c.Mode, ModeKernel; got != want {
		t.Fatalf("Mode=%v, want %v", got, want)
	}
}

func TestCoreNoExecuteSkippedSilently(t *testing.T) {
	c := NewCore(testInfo(t, 0x7000), testQuerier(0, false), nil)

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c.EFER&x86.EFERNXE != 0 {
		t.Fatalf("EFER=0x%x, NXE set without hardware support", c.EFER)
	}
	if c.EFER&x86.EFERLME == 0 {
		t.Fatalf("EFER=0x%x, LME clear", c.EFER)
	}
}

func TestCoreModeTransitions(t *testing.T) {
	c := NewCore(testInfo(t, 0x7000), testQuerier(0, true), nil)

	for c.Next != StepLoadDescriptors {
		if got, want := c.Mode, ModeReal; got != want {
			t.Fatalf("Mode=%v before the far transfer, want %v", got, want)
		}
		if err := c.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got, want := c.Mode, ModeLong; got != want {
		t.Fatalf("Mode=%v after the far transfer, want %v", got, want)
	}

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := c.Mode, ModeKernel; got != want {
		t.Fatalf("Mode=%v after handoff, want %v", got, want)
	}
}

func TestCoreSerializeQueriesLeafZero(t *testing.T) {
	rec := &x86.RecordingQuerier{Inner: testQuerier(0, true)}
	c := NewCore(testInfo(t, 0x7000), rec, nil)

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rec.Queried(x86.LeafVendor) {
		t.Fatal("leaf 0 never issued")
	}
}

func TestCoreLowerTopologyTiersNotConsulted(t *testing.T) {
	// Poisoned lower tiers: if the cascade touches them the resolved
	// identity (and then the bound stack) would be wrong, and the
	// recorder catches the query itself.
	q := x86.TableQuerier{
		x86.LeafTopologyV2:  {EAX: 1, EBX: 1, ECX: 0x0100, EDX: 1},
		x86.LeafTopology:    {EAX: 1, EBX: 1, ECX: 0x0100, EDX: 0xDEAD},
		x86.LeafFeatures:    {EBX: 0xAD << x86.InitialAPICIDShift},
		x86.LeafExtFeatures: {EDX: x86.ExtFeatureNX},
	}
	rec := &x86.RecordingQuerier{Inner: q}
	c := NewCore(testInfo(t, 0x7000, 0x8000), rec, nil)

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := c.ID, uint32(1); got != want {
		t.Fatalf("ID=%d, want %d", got, want)
	}
	if rec.Queried(x86.LeafTopology) {
		t.Fatal("leaf 0x0B consulted although 0x1F answered")
	}
	if rec.Queried(x86.LeafFeatures) {
		t.Fatal("leaf 1 consulted although 0x1F answered")
	}
}

func TestCoreMissingStack(t *testing.T) {
	// Two-entry table, core resolves to 5.
	c := NewCore(testInfo(t, 0x7000, 0x8000), testQuerier(5, true), nil)

	err := c.Run()
	if !errors.Is(err, ap.ErrNoStackForCore) {
		t.Fatalf("Run err=%v, want ErrNoStackForCore", err)
	}
	if c.RSP != 0 {
		t.Fatalf("RSP=0x%x after failed bind, want 0", c.RSP)
	}
	if got, want := c.Mode, ModeLong; got != want {
		t.Fatalf("Mode=%v, want %v", got, want)
	}
}

func TestCoreEntryMustNotReturn(t *testing.T) {
	entered := false
	c := NewCore(testInfo(t, 0x7000), testQuerier(0, true), func() {
		entered = true
	})

	err := c.Run()
	if !errors.Is(err, ap.ErrKernelReturned) {
		t.Fatalf("Run err=%v, want ErrKernelReturned", err)
	}
	if !entered {
		t.Fatal("kernel entry never invoked")
	}
	if got, want := c.Mode, ModeKernel; got != want {
		t.Fatalf("Mode=%v, want %v", got, want)
	}
	if got, want := c.Trace[len(c.Trace)-1], StepHandoff; got != want {
		t.Fatalf("last step=%v, want %v", got, want)
	}
}

func TestCoreStepAfterHandoff(t *testing.T) {
	c := NewCore(testInfo(t, 0x7000), testQuerier(0, true), nil)

	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := c.Step(); !errors.Is(err, ErrHandedOff) {
		t.Fatalf("Step err=%v, want ErrHandedOff", err)
	}
}
