package auth

import "errors"

var (
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrConflict           = errors.New("auth: already exists")
)
