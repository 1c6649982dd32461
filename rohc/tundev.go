package rohc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifReq mirrors the kernel's struct ifreq as consumed by TUNSETIFF.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	pad   [22]byte
}

// OpenTunDevice opens /dev/net/tun and attaches it to the named tun
// device, creating the device if it does not already exist. The device is
// opened without IFF_NO_PI: every packet read from it carries the 4-byte
// packet information header the router's offset constants account for.
func OpenTunDevice(name string) (*FileTunDevice, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %v", err)
	}

	var req ifReq
	copy(req.Name[:unix.IFNAMSIZ-1], name)
	req.Flags = unix.IFF_TUN

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF %s: %v", name, errno)
	}

	return NewFileTunDevice(f, name), nil
}
