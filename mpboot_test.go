package mpboot_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	mpboot "github.com/tinyrange/mpboot"
)

// tableQuerier is a fixed CPUID environment keyed by leaf.
type tableQuerier map[uint32]mpboot.CPUIDResult

func (t tableQuerier) Query(leaf, subleaf uint32) mpboot.CPUIDResult {
	if subleaf != 0 {
		return mpboot.CPUIDResult{}
	}
	return t[leaf]
}

func coreQuerier(id uint32) mpboot.CPUIDQuerier {
	return tableQuerier{
		0:           {EAX: 0x1F, EBX: 0x756E6547, ECX: 0x6C65746E, EDX: 0x49656E69},
		1:           {EBX: (id & 0xFF) << 24},
		0x0B:        {EAX: 1, EBX: 1, ECX: 0x0100, EDX: id},
		0x1F:        {EAX: 1, EBX: 1, ECX: 0x0100, EDX: id},
		0x8000_0001: {EDX: 1 << 20},
	}
}

// guestMemory is a flat guest-physical memory image.
type guestMemory []byte

func (g guestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(g)) {
		return 0, fmt.Errorf("write [%#x, %#x) outside memory of %#x bytes", off, off+int64(len(p)), len(g))
	}
	return copy(g[off:], p), nil
}

func TestEndToEnd(t *testing.T) {
	builder := &mpboot.Builder{
		PageTableRoot: 0x10_0000,
		Stacks:        []uint64{0x4000, 0x5000, 0x6000, 0x7000},
	}
	info, err := builder.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// Install the trampoline as a wake-protocol embedder would.
	mem := make(guestMemory, 1<<20)
	layout, err := mpboot.InstallTrampoline(mem, 0x8000, info, 0x20_0000)
	if err != nil {
		t.Fatalf("InstallTrampoline() error = %v", err)
	}

	if got, want := layout.Vector, uint8(0x08); got != want {
		t.Errorf("layout.Vector = %#x, want %#x", got, want)
	}
	if mem[layout.Base] != 0xFA {
		t.Errorf("mem[base] = %#x, want cli", mem[layout.Base])
	}
	for i, want := range info.StackTable() {
		off := layout.StackTable + uint64(i*8)
		if got := binary.LittleEndian.Uint64(mem[off:]); got != want {
			t.Errorf("stack slot %d = %#x, want %#x", i, got, want)
		}
	}

	// Run the same boot state through the simulator.
	m := mpboot.NewMachine(info, 4, func(core int) mpboot.CPUIDQuerier {
		return coreQuerier(uint32(core))
	}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i, c := range m.Cores {
		if got, want := c.Mode, mpboot.ModeKernel; got != want {
			t.Errorf("core %d mode = %v, want %v", i, got, want)
		}
		if got, want := c.ID, uint32(i); got != want {
			t.Errorf("core %d resolved id = %d, want %d", i, got, want)
		}
		if got, want := c.RSP, uint64(0x4000+i*0x1000); got != want {
			t.Errorf("core %d stack = %#x, want %#x", i, got, want)
		}
		if got, want := c.CR3, info.PageTableRoot(); got != want {
			t.Errorf("core %d page table root = %#x, want %#x", i, got, want)
		}
	}
}

func TestProfileMachine(t *testing.T) {
	p := mpboot.DefaultProfile()

	m, err := p.Machine(nil)
	if err != nil {
		t.Fatalf("Machine() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	seen := make(map[uint64]int)
	for i, c := range m.Cores {
		if prev, ok := seen[c.RSP]; ok {
			t.Errorf("cores %d and %d share stack %#x", prev, i, c.RSP)
		}
		seen[c.RSP] = i
	}
}

func TestResolveCoreID(t *testing.T) {
	if got, want := mpboot.ResolveCoreID(coreQuerier(7)), uint32(7); got != want {
		t.Errorf("ResolveCoreID = %d, want %d", got, want)
	}

	// Legacy environment: identity rides in the leaf 1 feature word.
	legacy := tableQuerier{
		0: {EAX: 1, EBX: 0x756E6547, ECX: 0x6C65746E, EDX: 0x49656E69},
		1: {EBX: 5 << 24},
	}
	if got, want := mpboot.ResolveCoreID(legacy), uint32(5); got != want {
		t.Errorf("ResolveCoreID legacy = %d, want %d", got, want)
	}
}

func TestSentinels(t *testing.T) {
	builder := &mpboot.Builder{PageTableRoot: 0x10_0000}
	if _, err := builder.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := builder.Seal(); !errors.Is(err, mpboot.ErrAlreadySealed) {
		t.Errorf("second Seal() error = %v, want ErrAlreadySealed", err)
	}

	// A core whose identity has no stack slot surfaces the gap.
	info, err := (&mpboot.Builder{
		PageTableRoot: 0x10_0000,
		Stacks:        []uint64{0x7000},
	}).Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	m := mpboot.NewMachine(info, 1, func(int) mpboot.CPUIDQuerier {
		return coreQuerier(3)
	}, nil)
	if err := m.Start(context.Background()); !errors.Is(err, mpboot.ErrNoStackForCore) {
		t.Errorf("Start() error = %v, want ErrNoStackForCore", err)
	}
}

func TestBootGDTImage(t *testing.T) {
	img := mpboot.BootGDTImage()
	if got, want := len(img), 24; got != want {
		t.Fatalf("len(image) = %d, want %d", got, want)
	}
	if got := binary.LittleEndian.Uint64(img[0:]); got != 0 {
		t.Errorf("null descriptor = %#x, want 0", got)
	}
	if got, want := binary.LittleEndian.Uint64(img[8:]), uint64(0x00AF9A000000FFFF); got != want {
		t.Errorf("code descriptor = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint64(img[16:]), uint64(0x00CF92000000FFFF); got != want {
		t.Errorf("data descriptor = %#x, want %#x", got, want)
	}
}
