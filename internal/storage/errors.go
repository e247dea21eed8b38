package storage

import "errors"

// NotFoundError signals a missing object in a backend. ArchiveStore turns it
// into a nil result; it is not surfaced to archive callers.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// IntegrityError signals an archive whose bytes do not match its digest or
// declared size. It is never retried.
type IntegrityError struct {
	Digest string
	Reason string
}

func (e *IntegrityError) Error() string {
	return "archive " + e.Digest + " failed integrity check: " + e.Reason
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
