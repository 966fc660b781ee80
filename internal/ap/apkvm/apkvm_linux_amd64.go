//go:build linux && amd64

package apkvm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetRegs  = 0x8090ae81
	kvmSetRegs  = 0x4090ae82
	kvmGetSregs = 0x8138ae83
	kvmSetSregs = 0x4138ae84
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

// StartAP loads the bring-up end state onto the vCPU behind vcpuFd.
// The vCPU must not be running. On return the core is in long mode at
// the kernel entry with its stack bound; the caller resumes it.
func StartAP(vcpuFd int, cfg Config) error {
	sregs, err := getSRegs(vcpuFd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	applySRegs(&sregs, cfg)

	if err := setSRegs(vcpuFd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	regs, err := getRegisters(vcpuFd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	if err := applyRegs(&regs, cfg); err != nil {
		return err
	}

	if err := setRegisters(vcpuFd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	slog.Debug("kvm: ap state loaded",
		"core", cfg.CoreID, "rsp", regs.Rsp, "entry", cfg.Entry, "nx", cfg.NX)

	return nil
}
