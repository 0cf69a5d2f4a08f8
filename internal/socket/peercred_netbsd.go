//go:build netbsd

package socket

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultAuthGroup is the group allowed to send commands.
const DefaultAuthGroup = "wheel"

// LOCAL_PEEREID from <sys/un.h>, read at socket level 0.
const localPeerEID = 0x0003

// unpcbid mirrors struct unpcbid.
type unpcbid struct {
	pid  int32
	euid uint32
	egid uint32
}

func peerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}

	var id unpcbid
	var errno unix.Errno
	err = raw.Control(func(fd uintptr) {
		size := uint32(unsafe.Sizeof(id))
		_, _, errno = unix.Syscall6(unix.SYS_GETSOCKOPT, fd, 0, localPeerEID,
			uintptr(unsafe.Pointer(&id)), uintptr(unsafe.Pointer(&size)), 0)
	})
	if err != nil {
		return Credentials{}, err
	}
	if errno != 0 {
		return Credentials{}, fmt.Errorf("LOCAL_PEEREID: %w", errno)
	}

	return Credentials{PID: id.pid, UID: id.euid, GID: id.egid}, nil
}
