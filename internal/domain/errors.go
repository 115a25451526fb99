package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Concrete errors wrap one of these so callers can classify
// them with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrKeyCustody        = errors.New("key custody failure")
	ErrExternal          = errors.New("external collaborator failure")

	// ErrAddressNotWhitelisted is returned when the exchange refuses a withdrawal
	// to an address missing from its allow list.
	ErrAddressNotWhitelisted = fmt.Errorf("%w: withdrawal address is not whitelisted on the exchange", ErrExternal)
)

// InvalidInput builds an ErrInvalidInput with context.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// External wraps an upstream failure, keeping the upstream message.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}

// SafeMessage returns a message that can be shown to a customer without
// leaking upstream details.
func SafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "The request is invalid."
	case errors.Is(err, ErrInsufficientFunds):
		return "Insufficient funds or limit for this operation."
	case errors.Is(err, ErrAddressNotWhitelisted):
		return "Your wallet address is not yet approved for withdrawals. Add it to the allow list and try again."
	case errors.Is(err, ErrKeyCustody):
		return "The wallet key could not be used. Support has been notified."
	case errors.Is(err, ErrExternal):
		return "A partner service failed to process the operation. It will be reviewed."
	default:
		return "The operation could not be completed."
	}
}
