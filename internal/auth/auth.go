// Package auth checks the shared token peers present in their handshake.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrTokenMismatch = errors.New("auth: token mismatch")

// Validator accepts or rejects a handshake token.
type Validator interface {
	Validate(token []byte) error
}

// StaticToken accepts exactly one shared token. An empty Token accepts
// nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token []byte) error {
	if s.Token == "" {
		return ErrTokenMismatch
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), token) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token []byte) error

func (f FuncValidator) Validate(token []byte) error {
	return f(token)
}
