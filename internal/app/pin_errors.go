package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/transfa/session-service/internal/domain"
)

var (
	// ErrNoPinConfigured is returned by operations that need an existing PIN.
	ErrNoPinConfigured = errors.New("no pin configured")
	// ErrPinAlreadyConfigured is returned by CreatePin when a PIN exists; use ChangePin.
	ErrPinAlreadyConfigured = errors.New("pin already configured")
)

// InvalidPinLengthError is returned when a PIN is not 4 to 6 ASCII digits.
type InvalidPinLengthError struct {
	Length int
}

func (e *InvalidPinLengthError) Error() string {
	return fmt.Sprintf("pin must be %d-%d digits (got %d characters)", domain.MinPinLength, domain.MaxPinLength, e.Length)
}

// PinMismatchError is returned when a PIN does not match the stored credential.
type PinMismatchError struct {
	AttemptsRemaining int
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("incorrect pin; %d attempts remaining", e.AttemptsRemaining)
}

// LockedOutError is returned while the attempt limit has locked PIN entry.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("pin entry locked for another %s", e.Remaining.Round(time.Second))
}

func validatePin(pin string) error {
	if len(pin) < domain.MinPinLength || len(pin) > domain.MaxPinLength {
		return &InvalidPinLengthError{Length: len(pin)}
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return &InvalidPinLengthError{Length: len(pin)}
		}
	}
	return nil
}
