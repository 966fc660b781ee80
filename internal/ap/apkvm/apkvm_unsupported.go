//go:build !(linux && amd64)

package apkvm

// StartAP is unavailable without KVM.
func StartAP(vcpuFd int, cfg Config) error {
	return ErrUnsupported
}
