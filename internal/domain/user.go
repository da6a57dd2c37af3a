// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleGuest   Role = "guest"
)

// Identity is what a client registers with the relay once per connection.
type Identity struct {
	ID          UserID `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"userName"`
}

// NewIdentity validates the tuple; an empty id gets a random one and an empty
// role defaults to guest.
func NewIdentity(id UserID, role Role, displayName string) (Identity, error) {
	id = UserID(strings.TrimSpace(string(id)))
	if id == "" {
		id = UserID(uuid.NewString())
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	if role == "" {
		role = RoleGuest
	}
	if displayName == "" {
		displayName = string(id)
	}
	if len(displayName) > MaxUsernameLen {
		return Identity{}, ErrUsernameTooLong
	}
	return Identity{ID: id, Role: role, DisplayName: displayName}, nil
}

// Validate is used by the relay on join payloads, which must carry an id.
func (i Identity) Validate() error {
	if i.ID == "" {
		return ErrUserIDEmpty
	}
	if len(i.ID) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if i.DisplayName == "" {
		return ErrUsernameEmpty
	}
	if len(i.DisplayName) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
