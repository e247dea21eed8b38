package types

// ValidationError reports a malformed commit field. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid commit: " + e.Reason
	}
	return "invalid commit " + e.Field + ": " + e.Reason
}
