package link

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/jingcjie/WDCableWUI/models"
)

// ErrRoleUndetermined is returned when an address of the link cannot be
// parsed as IPv4 and no role can be derived.
var ErrRoleUndetermined = errors.New("link: cannot determine role")

// DetermineRole decides which side binds the channel listeners. Both
// peers evaluate it independently with swapped arguments, so the rule
// must be reproduced exactly: on the same /24 the numerically smaller
// last octet hosts; across different /24s the side whose last octet is 1
// hosts. Addresses may carry a port.
func DetermineRole(localAddr, remoteAddr string) (models.Role, error) {
	local, err := parseIPv4(localAddr)
	if err != nil {
		return "", fmt.Errorf("%w: local address %q: %v", ErrRoleUndetermined, localAddr, err)
	}
	remote, err := parseIPv4(remoteAddr)
	if err != nil {
		return "", fmt.Errorf("%w: remote address %q: %v", ErrRoleUndetermined, remoteAddr, err)
	}

	if local[0] == remote[0] && local[1] == remote[1] && local[2] == remote[2] {
		if local[3] < remote[3] {
			return models.RoleHost, nil
		}
		return models.RolePeer, nil
	}
	if local[3] == 1 {
		return models.RoleHost, nil
	}
	return models.RolePeer, nil
}

func parseIPv4(s string) ([4]byte, error) {
	hostPart := s
	if host, _, err := net.SplitHostPort(s); err == nil {
		hostPart = host
	}
	addr, err := netip.ParseAddr(hostPart)
	if err != nil {
		return [4]byte{}, err
	}
	if !addr.Is4() && !addr.Is4In6() {
		return [4]byte{}, errors.New("not an IPv4 address")
	}
	return addr.Unmap().As4(), nil
}
