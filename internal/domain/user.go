// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is the local participant as the gateway sees it: the display name is
// sent on publisher join, the token is merged into every request.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Token    string `json:"-"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username, token string) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Username: username, Token: token}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
