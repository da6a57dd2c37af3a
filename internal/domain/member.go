package domain

import "time"

// Member represents a connection's registration meta on the relay.
// No transport or lifecycle logic here.
type Member struct {
	Identity Identity
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id Identity) *Member {
	return &Member{Identity: id, JoinedAt: time.Now()}
}
