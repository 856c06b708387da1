package app

import "errors"

// ErrInvalidInput marks caller mistakes that map to 400.
var ErrInvalidInput = errors.New("invalid input")

// InputError carries a message that is safe to show the caller.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Message
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

func invalidInput(msg string) error {
	return &InputError{Message: msg}
}
