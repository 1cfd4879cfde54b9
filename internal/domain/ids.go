// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxClientIDLen = 64
	MaxCallIDLen   = 64
)

var (
	ErrClientIDTooLong = errors.New("client id too long")
	ErrCallIDTooLong   = errors.New("call id too long")
)

type (
	ClientID string
	CallID   string
)

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// ParseClientID validates a client-supplied identifier (used on reconnect).
func ParseClientID(raw string) (ClientID, error) {
	if len(raw) > MaxClientIDLen {
		return "", ErrClientIDTooLong
	}
	return ClientID(raw), nil
}

// ParseCallID validates a client-supplied call identifier.
func ParseCallID(raw string) (CallID, error) {
	if len(raw) > MaxCallIDLen {
		return "", ErrCallIDTooLong
	}
	return CallID(raw), nil
}
