package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrTicketNotFound       = errors.Wrap(ErrNotFound, "ticket")
	ErrEventNotFound        = errors.Wrap(ErrNotFound, "event")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidTransition    = errors.New("invalid ticket status transition")

	// ErrStorage marks infrastructure faults so callers can tell them apart
	// from business rejections.
	ErrStorage = errors.New("storage unavailable")
)

// StorageFault wraps err and marks it as an infrastructure fault.
func StorageFault(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrStorage)
}

func IsStorageFault(err error) bool {
	return errors.Is(err, ErrStorage)
}
