package device

import (
	"github.com/coreward/vmm/internal/hypervisor"
)

// IRQSignaler is the backend-facing half of interrupt delivery: assert
// or deassert a level-triggered line at irq against vm. The concrete
// implementation is usually hypervisor.Backend.IRQLine bound to a
// particular VM handle.
type IRQSignaler func(irq uint32, level bool) error

// IRQLine is the one-shot signal a device uses to request interrupt
// delivery: Assert and Deassert call the bound IRQSignaler directly
// and track the level in a boolean; no eventfd is involved. signaler
// may be nil, making Assert/Deassert no-ops — a documented
// limitation, not an error, since some
// backends (Apple's Hypervisor.framework at this API surface) do not
// model a line-based interrupt controller at all.
type IRQLine struct {
	Number   uint32
	signaler IRQSignaler
	asserted bool
}

// NewIRQLine allocates a line bound to number and, if signaler is
// non-nil, wired to the backend's irq_line call.
func NewIRQLine(number uint32, signaler IRQSignaler) *IRQLine {
	return &IRQLine{Number: number, signaler: signaler}
}

// Assert raises the line. Idempotent: asserting an already-asserted
// line does not re-invoke the signaler, matching the spec's "an
// assert is idempotent in semantics if the backend's irq_line is
// idempotent at the same level."
func (l *IRQLine) Assert() error {
	if l == nil || l.signaler == nil {
		return nil
	}
	if l.asserted {
		return nil
	}
	l.asserted = true
	if err := l.signaler(l.Number, true); err != nil {
		return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "assert irq line")
	}
	return nil
}

// Deassert drains the line.
func (l *IRQLine) Deassert() error {
	if l == nil || l.signaler == nil {
		return nil
	}
	if !l.asserted {
		return nil
	}
	l.asserted = false
	if err := l.signaler(l.Number, false); err != nil {
		return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "deassert irq line")
	}
	return nil
}
