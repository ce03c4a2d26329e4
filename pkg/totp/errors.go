package totp

import (
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/authcore/pkg/featureflag"
	"github.com/rhuss/authcore/pkg/storage"
)

var (
	// ErrUnknownUser is returned when a user has no TOTP devices.
	ErrUnknownUser = storage.ErrUnknownTOTPUser

	// ErrUnknownDevice is returned when a named device does not exist.
	ErrUnknownDevice = storage.ErrUnknownDevice

	// ErrDeviceAlreadyExists is returned when a verified device holds the name.
	ErrDeviceAlreadyExists = storage.ErrDeviceAlreadyExists

	// ErrInvalidParameter is returned for out-of-range skew or period values
	// or a missing user ID.
	ErrInvalidParameter = errors.New("invalid totp parameter")
)

// InvalidCodeError is returned when a code does not match any device, or
// matches but was already used. The attempt has been recorded.
type InvalidCodeError struct {
	CurrentAttempts int
	MaxAttempts     int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid totp code (attempt %d of %d)", e.CurrentAttempts, e.MaxAttempts)
}

// LimitReachedError is returned while a user is locked out.
type LimitReachedError struct {
	RetryAfter      time.Duration
	CurrentAttempts int
	MaxAttempts     int
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("totp attempt limit reached (%d of %d), retry after %s",
		e.CurrentAttempts, e.MaxAttempts, e.RetryAfter.Round(time.Millisecond))
}

// Status strings reported to API clients.
const (
	StatusOK                  = "OK"
	StatusInvalidCode         = "INVALID_TOTP_ERROR"
	StatusLimitReached        = "LIMIT_REACHED_ERROR"
	StatusUnknownDevice       = "UNKNOWN_DEVICE_ERROR"
	StatusUnknownUser         = "UNKNOWN_USER_ID_ERROR"
	StatusDeviceAlreadyExists = "DEVICE_ALREADY_EXISTS_ERROR"
	StatusFeatureNotEnabled   = "FEATURE_NOT_ENABLED_ERROR"
)

// StatusOf maps err to its client status string. It returns "" for errors
// that are not recipe outcomes; callers report those as server errors.
func StatusOf(err error) string {
	var (
		invalid    *InvalidCodeError
		limit      *LimitReachedError
		notEnabled *featureflag.NotEnabledError
	)
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &invalid):
		return StatusInvalidCode
	case errors.As(err, &limit):
		return StatusLimitReached
	case errors.Is(err, ErrUnknownDevice):
		return StatusUnknownDevice
	case errors.Is(err, ErrUnknownUser):
		return StatusUnknownUser
	case errors.Is(err, ErrDeviceAlreadyExists):
		return StatusDeviceAlreadyExists
	case errors.As(err, &notEnabled):
		return StatusFeatureNotEnabled
	default:
		return ""
	}
}

// unwrapLogic returns the business error carried by a transaction.
func unwrapLogic(err error) error {
	var logic *storage.TransactionLogicError
	if errors.As(err, &logic) {
		return logic.Err
	}
	return err
}
