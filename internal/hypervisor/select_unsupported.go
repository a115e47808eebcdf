//go:build !linux && !(darwin && arm64)

package hypervisor

// NewBackend reports KindUnavailable on any host this repository does
// not carry a concrete backend for (darwin/amd64, windows, *bsd, ...).
func NewBackend() (Backend, error) {
	return nil, New(KindUnavailable, "no hypervisor backend for this host OS/architecture")
}
