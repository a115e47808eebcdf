// Package network provides the host-side TAP backing for the
// virtio-net device class.
package network

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/coreward/vmm/internal/hypervisor"
)

var log = logrus.WithField("subsystem", "legacyio.net")

// HostInterface is the host-side half of a network device: a place to
// send and receive raw Ethernet frames.
type HostInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice implements HostInterface over a Linux TUN/TAP device.
type TapDevice struct {
	fd   int
	name string
}

type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// NewTapDevice opens /dev/net/tun and attaches it to an existing or
// to-be-created TAP interface named name.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, hypervisor.Wrap(hypervisor.KindBackendFailure, err, "open /dev/net/tun")
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, hypervisor.Wrap(hypervisor.KindBackendFailure, errno, "TUNSETIFF")
	}

	log.WithField("tap", name).Info("tap device attached")
	return &TapDevice{fd: fd, name: name}, nil
}

// ReadPacket reads one Ethernet frame. A nil slice with a nil error
// means no data was available right now.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, hypervisor.Wrap(hypervisor.KindBackendFailure, err, "read tap device")
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := unix.Write(t.fd, packet); err != nil {
		return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "write tap device")
	}
	return nil
}

// Close releases the TAP file descriptor.
func (t *TapDevice) Close() error {
	if t.fd == 0 {
		return nil
	}
	return unix.Close(t.fd)
}

// ConfigureInterface brings the TAP link up and assigns it an IPv4
// address/prefix natively through netlink, replacing a shelled-out
// `ip link`/`ip addr` invocation.
func ConfigureInterface(name string, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "lookup tap link")
	}

	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "parse tap address")
		}
		if err := netlink.AddrAdd(link, addr); err != nil && err != unix.EEXIST {
			return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "assign tap address")
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return hypervisor.Wrap(hypervisor.KindBackendFailure, err, "bring up tap link")
	}

	log.WithFields(logrus.Fields{"tap": name, "cidr": cidr}).Info("tap interface configured")
	return nil
}
