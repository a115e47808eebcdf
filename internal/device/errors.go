package device

import (
	"fmt"

	"github.com/coreward/vmm/internal/hypervisor"
)

func errDeviceOverlap(newName, existingName string) error {
	return hypervisor.New(hypervisor.KindInvalidArgument,
		fmt.Sprintf("device %q range overlaps registered device %q", newName, existingName))
}
