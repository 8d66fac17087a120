// Package mailerr defines the typed failures returned across the mailbox
// facade, sync engine, and protocol client. Every type wraps a cause and
// works with errors.Is and errors.As.
package mailerr

import (
	"errors"
	"fmt"
)

// NetworkError indicates a transport failure or an exhausted retry loop.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s): %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError indicates the server rejected the session
// credentials (401 or 403).
type AuthenticationError struct {
	AccountID string
	Status    int
	Message   string
}

func (e *AuthenticationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (%s, %d): %s", e.AccountID, e.Status, e.Message)
	}
	return fmt.Sprintf("authentication failed (%s): %s", e.AccountID, e.Message)
}

// DatabaseError indicates the local store could not complete an operation.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error (%s): %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// NotFoundError indicates a message (local or remote) does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// SyncError indicates a sync pass for an account was aborted.
type SyncError struct {
	AccountID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for account %s: %v", e.AccountID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ValidationError indicates caller input was rejected before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Database wraps err as a DatabaseError. A nil err stays nil, and an
// error already carrying a typed failure is returned unchanged.
func Database(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDatabase(err) || IsNotFound(err) || IsValidation(err) {
		return err
	}
	return &DatabaseError{Op: op, Err: err}
}

// IsNetwork reports whether err (or any error in its chain) is a NetworkError.
func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

// IsAuth reports whether err (or any error in its chain) is an
// AuthenticationError.
func IsAuth(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsDatabase reports whether err (or any error in its chain) is a DatabaseError.
func IsDatabase(err error) bool {
	var e *DatabaseError
	return errors.As(err, &e)
}

// IsNotFound reports whether err (or any error in its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsSync reports whether err (or any error in its chain) is a SyncError.
func IsSync(err error) bool {
	var e *SyncError
	return errors.As(err, &e)
}

// IsValidation reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
