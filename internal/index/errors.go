package index

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes index errors.
type ErrorCode string

const (
	// ErrCodeWriteConflict indicates a realm transaction lost the race for the
	// realm lock on every retry.
	ErrCodeWriteConflict ErrorCode = "WRITE_CONFLICT"

	// ErrCodeStaleGeneration indicates a write tagged with a generation that is
	// no longer the realm's working generation.
	ErrCodeStaleGeneration ErrorCode = "STALE_GENERATION"

	// ErrCodeOutsideRealm indicates an entry whose URL is not under its realm.
	ErrCodeOutsideRealm ErrorCode = "OUTSIDE_REALM"

	// ErrCodeComputeError indicates the compiler failed for a URL; the failure
	// is stored as the entry's error doc.
	ErrCodeComputeError ErrorCode = "COMPUTE_ERROR"

	// ErrCodeJobTimeout indicates a rebuild job exceeded its timeout.
	ErrCodeJobTimeout ErrorCode = "JOB_TIMEOUT"
)

// IndexError is a structured index failure.
type IndexError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	RealmURL string
	URL      string
	Version  int64

	// Details contains additional context (for conflicts, the invalidation
	// graph that was being written).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

func (e *IndexError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RealmURL != "" {
		msg += fmt.Sprintf(" (realm=%s", e.RealmURL)
		if e.URL != "" {
			msg += fmt.Sprintf(", url=%s", e.URL)
		}
		if e.Version != 0 {
			msg += fmt.Sprintf(", version=%d", e.Version)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}

// IsWriteConflict returns true if the error is a write conflict.
func IsWriteConflict(err error) bool { return hasCode(err, ErrCodeWriteConflict) }

// IsStaleGeneration returns true if the error is a stale generation write.
func IsStaleGeneration(err error) bool { return hasCode(err, ErrCodeStaleGeneration) }

// IsOutsideRealm returns true if the error is an out-of-realm write.
func IsOutsideRealm(err error) bool { return hasCode(err, ErrCodeOutsideRealm) }

// IsJobTimeout returns true if the error is a rebuild job timeout.
func IsJobTimeout(err error) bool { return hasCode(err, ErrCodeJobTimeout) }

// NewWriteConflictError wraps a store conflict for a realm.
func NewWriteConflictError(realmURL, url string, err error) *IndexError {
	return &IndexError{
		Code:     ErrCodeWriteConflict,
		Message:  "realm transaction lost the race for the realm lock",
		RealmURL: realmURL,
		URL:      url,
		Err:      err,
	}
}

// NewStaleGenerationError reports a write for version when working is open.
func NewStaleGenerationError(realmURL, url string, version, working int64) *IndexError {
	return &IndexError{
		Code:     ErrCodeStaleGeneration,
		Message:  fmt.Sprintf("write tagged with generation %d but working generation is %d", version, working),
		RealmURL: realmURL,
		URL:      url,
		Version:  version,
	}
}

// NewOutsideRealmError reports an entry whose URL is not under realmURL.
func NewOutsideRealmError(realmURL, url string) *IndexError {
	return &IndexError{
		Code:     ErrCodeOutsideRealm,
		Message:  "url is not inside the realm",
		RealmURL: realmURL,
		URL:      url,
	}
}
