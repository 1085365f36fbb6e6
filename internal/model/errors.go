package model

import (
	"errors"
	"fmt"
)

// MalformedObjectError indicates that a stored message carries no MIME
// part the folder's object format recognizes, or that the part could not
// be decoded.
type MalformedObjectError struct {
	Folder    string
	BackendID BackendID
	Reason    string
}

func (e *MalformedObjectError) Error() string {
	return fmt.Sprintf(
		"malformed object in message %s in folder %s: %s",
		e.BackendID, e.Folder, e.Reason,
	)
}

// NotFoundError indicates that an object uid or backend id is not part
// of the folder's current mapping.
type NotFoundError struct {
	Folder string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %q not found in folder %s", e.ID, e.Folder)
}

// ValidationError indicates that a caller supplied incomplete input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// BackendError wraps a failure reported by the mailbox driver. The
// driver's error is kept unchanged and is reachable through Unwrap.
type BackendError struct {
	Op     string
	Folder string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s on %s: %v", e.Op, e.Folder, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// LogError wraps a failure reported by the history log.
type LogError struct {
	Op  string
	UID string
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("history log %s for %q: %v", e.Op, e.UID, e.Err)
}

func (e *LogError) Unwrap() error { return e.Err }

// IsMalformed reports whether err (or any error in its chain) is a
// MalformedObjectError.
func IsMalformed(err error) bool {
	var target *MalformedObjectError
	return errors.As(err, &target)
}

// IsNotFound reports whether err (or any error in its chain) is a
// NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsBackend reports whether err (or any error in its chain) is a
// BackendError.
func IsBackend(err error) bool {
	var target *BackendError
	return errors.As(err, &target)
}

// IsLog reports whether err (or any error in its chain) is a LogError.
func IsLog(err error) bool {
	var target *LogError
	return errors.As(err, &target)
}
