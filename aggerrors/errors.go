package aggerrors

import (
	"errors"
	"strings"
)

// Error kinds surfaced by the store, coordinator and service.
var (
	ErrNotFound           = errors.New("E1|NotFound: Unknown proof or batch identifier.")
	ErrStorageFailure     = errors.New("E2|StorageFailure: Persistence unreachable or rejected the operation.")
	ErrMalformedPayload   = errors.New("E3|MalformedPayload: Stored or submitted bytes failed to decode.")
	ErrInvariantViolation = errors.New("E4|InvariantViolation: Request would break a lifecycle or commitment invariant.")
	ErrExternalTimeout    = errors.New("E5|ExternalTimeout: External collaborator did not confirm within its bound.")
)

// Worker-only kinds. Never surfaced through the service protocol.
var (
	ErrExternalRejected = errors.New("E6|ExternalRejected: Prover or relayer refused the work.")
)

var kinds = []error{
	ErrNotFound,
	ErrStorageFailure,
	ErrMalformedPayload,
	ErrInvariantViolation,
	ErrExternalTimeout,
	ErrExternalRejected,
}

// Kind returns the sentinel err wraps, or nil when it carries none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	if k := Kind(err); k != nil {
		err = k
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if k := Kind(err); k != nil {
		err = k
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	if k := Kind(err); k != nil {
		err = k
	}
	parts := strings.SplitN(err.Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
