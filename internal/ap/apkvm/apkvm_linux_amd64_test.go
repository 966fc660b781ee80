//go:build linux && amd64

package apkvm

import (
	"testing"

	"github.com/tinyrange/mpboot/internal/x86"
	"golang.org/x/sys/unix"
)

const (
	kvmApiVersion = 12

	kvmGetApiVersion = 0xae00
	kvmCreateVm      = 0xae01
	kvmCreateVcpu    = 0xae41
)

// testVCPU carves a bare vCPU out of a fresh VM. Register loads need
// no guest memory, so the VM stays empty.
func testVCPU(t *testing.T) int {
	t.Helper()

	kvm, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		t.Skip("Skipping: kvm unavailable (CI environment)")
	}
	t.Cleanup(func() { unix.Close(kvm) })

	version, err := ioctlWithRetry(uintptr(kvm), uint64(kvmGetApiVersion), 0)
	if err != nil {
		t.Fatalf("get KVM API version: %v", err)
	}
	if got, want := int(version), kvmApiVersion; got != want {
		t.Fatalf("KVM API version = %d, want %d", got, want)
	}

	vm, err := ioctlWithRetry(uintptr(kvm), uint64(kvmCreateVm), 0)
	if err != nil {
		t.Skipf("Skipping: kvm create vm: %v", err)
	}
	t.Cleanup(func() { unix.Close(int(vm)) })

	vcpu, err := ioctlWithRetry(vm, uint64(kvmCreateVcpu), 0)
	if err != nil {
		t.Fatalf("create vcpu: %v", err)
	}
	t.Cleanup(func() { unix.Close(int(vcpu)) })

	return int(vcpu)
}

func TestStartAPLoadsVCPU(t *testing.T) {
	vcpu := testVCPU(t)

	info := testInfo(t, 0x7000, 0x8000)
	cfg := Config{Info: info, CoreID: 1, Entry: 0x20_0000, GDTBase: 0x8040}

	if err := StartAP(vcpu, cfg); err != nil {
		t.Fatalf("StartAP: %v", err)
	}

	sregs, err := getSRegs(vcpu)
	if err != nil {
		t.Fatalf("get special registers: %v", err)
	}

	if got, want := sregs.Cr3, info.PageTableRoot(); got != want {
		t.Errorf("Cr3 = %#x, want %#x", got, want)
	}
	if want := x86.CR4PAE | x86.CR4PGE; sregs.Cr4&want != want {
		t.Errorf("Cr4 = %#x, missing %#x", sregs.Cr4, want)
	}
	if want := x86.EFERLME | x86.EFERLMA; sregs.Efer&want != want {
		t.Errorf("Efer = %#x, missing %#x", sregs.Efer, want)
	}
	if want := x86.CR0PG | x86.CR0PE; sregs.Cr0&want != want {
		t.Errorf("Cr0 = %#x, missing %#x", sregs.Cr0, want)
	}

	if got, want := sregs.Cs.Selector, x86.SelectorCode; got != want {
		t.Errorf("Cs.Selector = %#x, want %#x", got, want)
	}
	if got, want := sregs.Cs.Type, uint8(0xB); got != want {
		t.Errorf("Cs.Type = %#x, want %#x", got, want)
	}
	if sregs.Cs.L != 1 {
		t.Errorf("Cs.L = %d, want 1", sregs.Cs.L)
	}
	if got, want := sregs.Ss.Selector, x86.SelectorData; got != want {
		t.Errorf("Ss.Selector = %#x, want %#x", got, want)
	}
	if got, want := sregs.Gdt.Base, uint64(0x8040); got != want {
		t.Errorf("Gdt.Base = %#x, want %#x", got, want)
	}
	if got, want := sregs.Gdt.Limit, uint16(23); got != want {
		t.Errorf("Gdt.Limit = %d, want %d", got, want)
	}

	regs, err := getRegisters(vcpu)
	if err != nil {
		t.Fatalf("get registers: %v", err)
	}
	if got, want := regs.Rip, uint64(0x20_0000); got != want {
		t.Errorf("Rip = %#x, want %#x", got, want)
	}
	if got, want := regs.Rsp, uint64(0x8000); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	if got, want := regs.Rflags, x86.RFlagsDefault; got != want {
		t.Errorf("Rflags = %#x, want %#x", got, want)
	}
}
