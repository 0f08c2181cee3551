package httpx

import (
	"errors"
	"net"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

const maxPortRollAttempts = 42

type Listener struct {
	net.Listener
}

// NewListener binds a TCP listener to the address. With rollPorts set
// it probes the next ports in order when the requested one is taken.
func NewListener(address string, rollPorts bool) (*Listener, error) {
	ls, err := net.Listen("tcp4", address)
	if err != nil {
		if rollPorts && isErrorAddressAlreadyInUse(err) {
			host, port := Address(address).SplitHostPort()
			for i := port + 1; i < port+maxPortRollAttempts; i++ {
				ls, err = net.Listen("tcp4", host+":"+strconv.Itoa(i))
				if err == nil {
					return &Listener{ls}, nil
				}
			}
		}
		return nil, err
	}
	return &Listener{ls}, nil
}

func (l Listener) GetPort() int {
	if l.Listener == nil {
		return 0
	}
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func isErrorAddressAlreadyInUse(err error) bool {
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errErrno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}
