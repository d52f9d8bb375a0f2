package identity

import "fmt"

// Role is the node's place in the emergency network.
type Role int

const (
	RoleNone        Role = iota
	RoleCoordinator      // command post; eligible to produce blocks
	RoleRelay            // forwards traffic between segments
	RoleEndpoint         // field device
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleRelay:
		return "relay"
	case RoleEndpoint:
		return "endpoint"
	default:
		return "none"
	}
}

// CanValidate reports whether the role may join the validator set.
func (r Role) CanValidate() bool {
	return r == RoleCoordinator
}

// ParseRole converts a config/CLI value into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "coordinator":
		return RoleCoordinator, nil
	case "relay":
		return RoleRelay, nil
	case "endpoint":
		return RoleEndpoint, nil
	default:
		return RoleNone, fmt.Errorf("unknown role: %s (use 'coordinator', 'relay' or 'endpoint')", s)
	}
}
