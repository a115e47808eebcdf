// Package metrics exposes the VM Controller's vCPU exit counters and
// run time as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/vcpu"
)

const namespace = "vmm"

var (
	vcpuExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vcpu_exits_total",
		Help:      "vCPU exits, by vCPU index and exit kind.",
	}, []string{"vcpu", "kind"})

	vcpuRuntime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vcpu_run_seconds",
		Help:      "Cumulative time a vCPU has spent inside the backend's run call.",
	}, []string{"vcpu"})
)

// Register registers every collector with the default prometheus
// registry. Call once per process.
func Register() {
	prometheus.MustRegister(vcpuExits)
	prometheus.MustRegister(vcpuRuntime)
}

// ObserveVCPU publishes one vCPU's counters under its index label. The
// caller samples counters after the guest has stopped running them;
// concurrent reads of a running vCPU's live counters race per
// vcpu.Counters' own documented caveat.
func ObserveVCPU(index int, c *vcpu.Counters) {
	vcpu := strconv.Itoa(index)
	vcpuRuntime.With(prometheus.Labels{"vcpu": vcpu}).Set(c.RunTime.Seconds())
	for kind, n := range c.ByKind {
		vcpuExits.With(prometheus.Labels{"vcpu": vcpu, "kind": kind.String()}).Add(float64(n))
	}
}

// Halts returns how many HLT/WFI exits a counters snapshot recorded.
func Halts(c *vcpu.Counters) uint64 {
	return c.ByKind[hypervisor.ExitHalt]
}
