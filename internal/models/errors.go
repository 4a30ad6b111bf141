package models

import (
	"errors"
	"fmt"
)

// Typed failures returned synchronously by the ledger, the bus and the
// services. None of them are retried by the core.
var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrBanned                 = errors.New("banned from pod")
	ErrCooldown               = errors.New("rejoin cooldown active")
	ErrNotFound               = errors.New("not found")
	ErrOwnerMustTransferFirst = errors.New("owner must transfer ownership before leaving")
	ErrUploadFailed           = errors.New("attachment upload failed")
)

// CooldownError carries the whole minutes left before a rejoin is
// accepted. errors.Is(err, ErrCooldown) matches it.
type CooldownError struct {
	MinutesRemaining int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rejoin cooldown active: %d minute(s) remaining", e.MinutesRemaining)
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldown
}
