// Package hypervisor defines the platform-independent capability set
// a concrete backend (Linux KVM, Apple Hypervisor.framework) must
// implement, and the portable types that cross the boundary: exit
// descriptors, register bundles, and memory slots.
package hypervisor

import "github.com/pkg/errors"

// Kind classifies an error returned by a backend operation into the
// taxonomy of propagation decisions the VM Controller and vCPU loop
// need to make, independent of which backend raised it.
type Kind int

const (
	// KindUnavailable means the hypervisor facility is not present on
	// this host. Terminal during init.
	KindUnavailable Kind = iota
	// KindPermissionDenied means the privilege or entitlement needed to
	// use the facility is missing. Terminal during init.
	KindPermissionDenied
	// KindInvalidArgument means the caller passed a bad size or an
	// unaligned GPA to a backend that requires alignment.
	KindInvalidArgument
	// KindOutOfResources means a bounded table (slots, vCPUs,
	// descriptor chain) is full.
	KindOutOfResources
	// KindBackendFailure wraps a platform error this package cannot
	// reinterpret into a more specific kind.
	KindBackendFailure
	// KindGuestFault means the guest reached a state the VMM refuses to
	// continue running (fail-entry, an unrecoverable exception).
	KindGuestFault
	// KindInterrupted is benign: the caller should retry.
	KindInterrupted
	// KindUnmappedMMIO is non-fatal at the MMIO router.
	KindUnmappedMMIO
	// KindShuttingDown is cooperative shutdown propagation.
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindOutOfResources:
		return "out_of_resources"
	case KindBackendFailure:
		return "backend_failure"
	case KindGuestFault:
		return "guest_fault"
	case KindInterrupted:
		return "interrupted"
	case KindUnmappedMMIO:
		return "unmapped_mmio"
	case KindShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Error is a typed VMM error: a Kind plus a remediation hint for
// errors surfaced to an interactive user (init failures in
// particular).
type Error struct {
	Kind       Kind
	Remedy     string
	cause      error
	message    string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error with no remediation hint.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, message: message}
}

// Wrap builds a typed error around a lower-level cause, preserving the
// cause for errors.Is/As traversal through Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, message: message, cause: errors.WithStack(cause)}
}

// WithRemedy attaches a human-readable suggestion for how to resolve an
// init-time failure (e.g. "add the user to the kvm group").
func (e *Error) WithRemedy(remedy string) *Error {
	e.Remedy = remedy
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindBackendFailure for anything else.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindBackendFailure
}

// IsInterrupted reports whether err represents a benign interruption
// the caller should treat as a loop continuation.
func IsInterrupted(err error) bool {
	return KindOf(err) == KindInterrupted
}
