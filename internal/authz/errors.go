package authz

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden           = errors.New("authz: forbidden")
	ErrAlreadyBootstrapped = errors.New("authz: already bootstrapped")
	ErrFeedDisabled        = errors.New("authz: live audit feed disabled")
	// ErrPersistence and ErrAuditWrite abort the call: no verdict or result
	// accompanies them.
	ErrPersistence = errors.New("authz: persistence failure")
	ErrAuditWrite  = errors.New("authz: audit write failure")
)

func persistence(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
