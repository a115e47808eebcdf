//go:build linux

package hypervisor

// NewBackend constructs the backend implementation for the current
// host OS/architecture. The VM Controller calls this once at startup
// and never branches on the concrete type again.
func NewBackend() (Backend, error) {
	return NewKVMBackend(), nil
}
