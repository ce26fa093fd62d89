package consoleerr

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrTransport  = errors.New("registry transport failed")
	ErrCommand    = errors.New("command failed")

	// ErrConfirmationRequired is returned for cancel requests without a
	// valid confirmation token. errors.Is also matches it against ErrValidation.
	ErrConfirmationRequired error = &validationError{message: "confirmation required"}
)

type validationError struct {
	message string
}

func (e *validationError) Error() string {
	return e.message
}

func (e *validationError) Is(target error) bool {
	return target == ErrValidation
}
