// README: Common value objects shared across modules.
package types

// Role identifies which side of a ride transaction an actor is on.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleRider
}

// UserID is the numeric account identifier issued at signup.
type UserID int64

// Station is a display name from the static station topology.
type Station string
