package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"

	"github.com/devrev/tabstore/internal/storage/diskmanager"
)

// ErrorCode represents internal error codes for tab persistence operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeTabNotFound     ErrorCode = 1001
	ErrCodeModelFull       ErrorCode = 1002
	ErrCodeInvalidStage    ErrorCode = 1003
	ErrCodeWrongThread     ErrorCode = 1004

	// Storage errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeIO                 ErrorCode = 2001
	ErrCodeOutOfResource      ErrorCode = 2002
	ErrCodeCorruptMetadata    ErrorCode = 2003
	ErrCodeUnsupportedVersion ErrorCode = 2004
	ErrCodeCorruptTabState    ErrorCode = 2005
	ErrCodeTabStateNotFound   ErrorCode = 2006
	ErrCodeStoreDestroyed     ErrorCode = 2007
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                 "ok",
	ErrCodeInvalidArgument:    "invalid_argument",
	ErrCodeTabNotFound:        "tab_not_found",
	ErrCodeModelFull:          "model_full",
	ErrCodeInvalidStage:       "invalid_stage",
	ErrCodeWrongThread:        "wrong_thread",
	ErrCodeInternal:           "internal",
	ErrCodeIO:                 "io",
	ErrCodeOutOfResource:      "out_of_resource",
	ErrCodeCorruptMetadata:    "corrupt_metadata",
	ErrCodeUnsupportedVersion: "unsupported_version",
	ErrCodeCorruptTabState:    "corrupt_tab_state",
	ErrCodeTabStateNotFound:   "tab_state_not_found",
	ErrCodeStoreDestroyed:     "store_destroyed",
}

// String returns the snake_case name used in logs and metric labels
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func TabNotFound(tabID int) *StoreError {
	return NewStoreError(ErrCodeTabNotFound, fmt.Sprintf("tab not found: %d", tabID), nil).
		WithDetail("tab_id", tabID)
}

func ModelFull(incognito bool, limit int) *StoreError {
	return NewStoreError(ErrCodeModelFull, fmt.Sprintf("tab model full: limit %d", limit), nil).
		WithDetail("incognito", incognito).
		WithDetail("limit", limit)
}

func InvalidStage(expected, actual fmt.Stringer) *StoreError {
	return NewStoreError(ErrCodeInvalidStage,
		fmt.Sprintf("wrong stage encountered: expected %s but in %s", expected, actual), nil).
		WithDetail("expected", expected.String()).
		WithDetail("actual", actual.String())
}

func WrongThread(operation string) *StoreError {
	return NewStoreError(ErrCodeWrongThread, fmt.Sprintf("%s called off the control looper", operation), nil).
		WithDetail("operation", operation)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func IOFailure(path string, cause error) *StoreError {
	return NewStoreError(ErrCodeIO, fmt.Sprintf("i/o failure on %s", path), cause).
		WithDetail("path", path)
}

func OutOfResource(path string, cause error) *StoreError {
	return NewStoreError(ErrCodeOutOfResource, fmt.Sprintf("out of resource writing %s", path), cause).
		WithDetail("path", path)
}

func CorruptMetadata(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeCorruptMetadata, message, cause)
}

func UnsupportedVersion(version, minVersion, maxVersion int) *StoreError {
	return NewStoreError(ErrCodeUnsupportedVersion,
		fmt.Sprintf("unsupported metadata version %d (readable %d..%d)", version, minVersion, maxVersion), nil).
		WithDetail("version", version)
}

func CorruptTabState(path string, cause error) *StoreError {
	return NewStoreError(ErrCodeCorruptTabState, fmt.Sprintf("corrupt tab state file %s", path), cause).
		WithDetail("path", path)
}

func TabStateNotFound(tabID int) *StoreError {
	return NewStoreError(ErrCodeTabStateNotFound, fmt.Sprintf("no tab state file for tab %d", tabID), nil).
		WithDetail("tab_id", tabID)
}

func StoreDestroyed() *StoreError {
	return NewStoreError(ErrCodeStoreDestroyed, "tab persistent store destroyed", nil)
}

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsOutOfResource reports whether err means the disk cannot take the write:
// an OutOfResource StoreError, a diskmanager rejection or ENOSPC/EDQUOT.
func IsOutOfResource(err error) bool {
	if err == nil {
		return false
	}
	if GetCode(err) == ErrCodeOutOfResource {
		return true
	}
	var dse *diskmanager.DiskSpaceError
	if stderrors.As(err, &dse) {
		return true
	}
	return stderrors.Is(err, syscall.ENOSPC) || stderrors.Is(err, syscall.EDQUOT)
}

// IsNotFound reports whether err is a missing tab state or tab
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == ErrCodeTabStateNotFound || code == ErrCodeTabNotFound
}
