package tcpinfox

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/m-lab/tcp-info/tcp"
)

func getTCPInfo(fp *os.File) (*tcp.LinuxTCPInfo, error) {
	// Note: Fd() returns uintptr but on Unix we can safely use int for
	// sockets.
	info := tcp.LinuxTCPInfo{}
	length := uint32(unsafe.Sizeof(info))
	_, _, err := syscall.Syscall6(
		uintptr(syscall.SYS_GETSOCKOPT),
		uintptr(int(fp.Fd())),
		uintptr(syscall.SOL_TCP),
		uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&length)),
		uintptr(0))
	if err != 0 {
		return nil, err
	}
	return &info, nil
}
