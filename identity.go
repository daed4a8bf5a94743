package peerhub

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Identity is the registry key of a channel: the remote "host:port" it is connected to.
// Two connections from the same remote address and port have the same Identity.
// The zero Identity identifies nothing.
type Identity struct {
	addr string
}

// IdentityOf returns the identity for a remote address.
// TCP and UDP addresses are canonicalized so that IPv4-mapped IPv6 peers compare
// equal to their IPv4 form.
func IdentityOf(addr net.Addr) Identity {
	switch a := addr.(type) {
	case nil:
		return Identity{}
	case *net.TCPAddr:
		return identityOfAddrPort(a.AddrPort())
	case *net.UDPAddr:
		return identityOfAddrPort(a.AddrPort())
	default:
		return Identity{addr: addr.String()}
	}
}

// ParseIdentity parses a "host:port" literal into an Identity.
func ParseIdentity(s string) (Identity, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Identity{}, errors.Wrapf(err, "parse identity %q", s)
	}
	return identityOfAddrPort(ap), nil
}

func identityOfAddrPort(ap netip.AddrPort) Identity {
	return Identity{addr: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()}
}

// String returns the "host:port" form.
func (id Identity) String() string {
	return id.addr
}

// IsZero reports whether id is the zero Identity.
func (id Identity) IsZero() bool {
	return id.addr == ""
}
