//go:build linux

package qrtr

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// afQIPCRTR is Linux's AF_QIPCRTR address family (42), not yet named
// in golang.org/x/sys/unix, so it is declared here alongside the raw
// sockaddr_qrtr layout it pairs with.
const afQIPCRTR = 42

// rawSockaddrQrtr mirrors the kernel's struct sockaddr_qrtr exactly:
// family:u16, node:u32, port:u32, native byte order.
type rawSockaddrQrtr struct {
	Family uint16
	Node   uint32
	Port   uint32
}

const sockaddrQrtrSize = 10 // matches the kernel struct's packed size, not Go's padded sizeof

func packSockaddr(node, port uint32) [sockaddrQrtrSize]byte {
	var b [sockaddrQrtrSize]byte
	b[0] = byte(afQIPCRTR)
	b[1] = byte(afQIPCRTR >> 8)
	putU32At(b[2:6], node)
	putU32At(b[6:10], port)
	return b
}

func putU32At(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func unpackSockaddr(b [sockaddrQrtrSize]byte) (node, port uint32) {
	node, _ = getU32(b[2:6])
	port, _ = getU32(b[6:10])
	return node, port
}

// rawSocket is a thin wrapper around a raw AF_QIPCRTR SOCK_DGRAM file
// descriptor, held in an *os.File for its Fd and Close. All I/O goes
// through raw sendto/recvfrom syscalls, with poll(2) to wait for
// readability.
type rawSocket struct {
	f *os.File
}

// openRawSocket creates an AF_QIPCRTR socket and binds it to
// (node, port). port == 0 lets the kernel assign a node-local port;
// both QRTR clients and the bus's control socket bind this way, the
// bus addressing ControlPort only as a send destination.
func openRawSocket(node, port uint32) (*rawSocket, error) {
	fd, err := unix.Socket(afQIPCRTR, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	addr := packSockaddr(node, port)
	if _, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd),
		uintptr(unsafe.Pointer(&addr[0])), uintptr(sockaddrQrtrSize)); errno != 0 {
		unix.Close(fd)
		return nil, errno
	}
	return &rawSocket{f: os.NewFile(uintptr(fd), "qrtr")}, nil
}

func (s *rawSocket) localAddr() (node, port uint32, err error) {
	var addr [sockaddrQrtrSize]byte
	size := uintptr(sockaddrQrtrSize)
	if _, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, s.f.Fd(),
		uintptr(unsafe.Pointer(&addr[0])), uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, 0, errno
	}
	n, p := unpackSockaddr(addr)
	return n, p, nil
}

// sendTo writes one datagram to (node, port) via sendto(2); QRTR
// datagrams are never split across syscalls.
func (s *rawSocket) sendTo(node, port uint32, b []byte) error {
	addr := packSockaddr(node, port)
	var base uintptr
	if len(b) > 0 {
		base = uintptr(unsafe.Pointer(&b[0]))
	}
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, s.f.Fd(), base, uintptr(len(b)), 0,
		uintptr(unsafe.Pointer(&addr[0])), uintptr(sockaddrQrtrSize))
	if errno != 0 {
		return errno
	}
	return nil
}

// recvFrom reads one datagram, reporting its source (node, port).
// On EAGAIN it blocks its goroutine's thread in poll(2) until the
// socket is readable, so it does not spin the CPU.
func (s *rawSocket) recvFrom(buf []byte) (n int, node, port uint32, err error) {
	for {
		var addr [sockaddrQrtrSize]byte
		size := uintptr(sockaddrQrtrSize)
		var base uintptr
		if len(buf) > 0 {
			base = uintptr(unsafe.Pointer(&buf[0]))
		}
		r1, _, errno := unix.Syscall6(unix.SYS_RECVFROM, s.f.Fd(), base, uintptr(len(buf)), 0,
			uintptr(unsafe.Pointer(&addr[0])), uintptr(unsafe.Pointer(&size)))
		if errno == unix.EAGAIN {
			if perr := s.waitReadable(); perr != nil {
				return 0, 0, 0, perr
			}
			continue
		}
		if errno != 0 {
			return 0, 0, 0, errno
		}
		node, port = unpackSockaddr(addr)
		return int(r1), node, port, nil
	}
}

// waitReadable blocks until the descriptor is readable, avoiding a
// busy-poll loop on EAGAIN. The raw sendto/recvfrom syscalls above
// bypass *os.File's own blocking read path, so readiness has to be
// waited for explicitly with poll(2).
func (s *rawSocket) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(s.f.Fd()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (s *rawSocket) close() error {
	return s.f.Close()
}
