package net

import (
	"errors"
	stdnet "net"
	"strconv"

	"golang.org/x/sys/unix"
)

var errInvalidAddress = errors.New("invalid address")

// sockaddr4 builds an IPv4 socket address from a dotted-quad ip string.
func sockaddr4(ip string, port int) (*unix.SockaddrInet4, error) {
	if port < 0 || port > 65535 {
		return nil, errInvalidAddress
	}
	parsed := stdnet.ParseIP(ip)
	if parsed != nil {
		parsed = parsed.To4()
	}
	if parsed == nil {
		return nil, errInvalidAddress
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], parsed)
	return sa, nil
}

// sockaddrIPPort extracts the peer ip string and port from an accepted
// socket address. Empty ip means the family is unsupported.
func sockaddrIPPort(sa unix.Sockaddr) (string, int) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := strconv.Itoa(int(addr.Addr[0])) + "." +
			strconv.Itoa(int(addr.Addr[1])) + "." +
			strconv.Itoa(int(addr.Addr[2])) + "." +
			strconv.Itoa(int(addr.Addr[3]))
		return ip, addr.Port
	default:
		return "", -1
	}
}
