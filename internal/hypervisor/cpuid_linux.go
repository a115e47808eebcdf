//go:build linux

package hypervisor

import "github.com/intel-go/cpuid"

// probeVirtualizationSupport checks the host CPUID leaves for the
// virtualization extension KVM needs before even trying to open
// /dev/kvm, so a missing extension produces a named-feature error
// instead of a bare ENOENT/EPERM from the device open.
func probeVirtualizationSupport() error {
	if cpuid.HasFeature(cpuid.VMX) {
		return nil
	}
	if cpuid.HasExtraFeature(cpuid.SVM) {
		return nil
	}
	return New(KindUnavailable, "host CPU reports neither VMX nor SVM").
		WithRemedy("enable virtualization extensions in firmware/BIOS")
}
