package models

// Role is the side a device takes on an established link. The host binds
// the channel ports; the peer dials them.
type Role string

const (
	RoleHost Role = "host"
	RolePeer Role = "peer"
)

// IsHost reports whether the role binds and accepts.
func (r Role) IsHost() bool {
	return r == RoleHost
}
