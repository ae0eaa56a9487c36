package tracks

import "strings"

// Role is the fixed part a track plays at the gate. It is chosen once when
// the track is created.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleVisitor
	RoleGuard
)

func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return "visitor"
	case RoleGuard:
		return "guard"
	default:
		return "unknown"
	}
}

// MarshalText renders the role name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a role name. Unrecognised names become RoleUnknown.
func (r *Role) UnmarshalText(b []byte) error {
	*r = RoleFromClass(string(b))
	return nil
}

// RoleFromClass maps a detector class label to a role. Generic labels such as
// "person" map to RoleUnknown and are resolved by the store's Classifier.
func RoleFromClass(class string) Role {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case "visitor":
		return RoleVisitor
	case "guard":
		return RoleGuard
	default:
		return RoleUnknown
	}
}
