// Package domain contains identifiers and call metadata without logic.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

type UserID string

// ParseUserID trims and validates an identifier received from config or the wire.
func ParseUserID(raw string) (UserID, error) {
	s := strings.TrimSpace(raw)
	if len(s) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(s), nil
}

// NewUserID is used when a client starts without a configured identity.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}
