// Package errortypes provides the error taxonomy shared by the ingest and
// search pipelines.
package errortypes

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	// TypeValidation is a rejected request, raised before any external call.
	TypeValidation ErrorType = "validation"
	// TypeExternal is a failed call to the AI, blob or vector capability.
	TypeExternal ErrorType = "external"
	// TypeConfiguration is a fatal mismatch between configuration and the
	// backing stores (for example a vector dimension mismatch).
	TypeConfiguration ErrorType = "configuration"
	// TypeConsistency is a vector point without its blobs or the reverse.
	TypeConsistency ErrorType = "consistency"
	// TypeNotFound is a missing point, object or collection.
	TypeNotFound ErrorType = "not_found"
)

// AppError carries the error type, the pipeline stage that failed and any
// extra context worth logging.
type AppError struct {
	Err     error
	Type    ErrorType
	Stage   string
	Message string
	Fields  map[string]any
}

// Error implements the error interface
func (e *AppError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Type)
}

// Unwrap unwraps the error to support errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStage records the pipeline stage the error belongs to.
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// WithField adds a field to the error for additional context
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func newAppError(t ErrorType, err error, message string) *AppError {
	return &AppError{Err: err, Type: t, Message: message}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return newAppError(TypeValidation, nil, message)
}

// External wraps a failed external call.
func External(err error, message string) *AppError {
	return newAppError(TypeExternal, err, message)
}

// Configuration creates a configuration error.
func Configuration(err error, message string) *AppError {
	return newAppError(TypeConfiguration, err, message)
}

// Consistency creates a consistency error.
func Consistency(err error, message string) *AppError {
	return newAppError(TypeConsistency, err, message)
}

// NotFound creates a not-found error.
func NotFound(message string) *AppError {
	return newAppError(TypeNotFound, nil, message)
}

// typeOf returns the type of the outermost AppError in err's chain.
func typeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "", false
	}
	return appErr.Type, true
}

func isType(err error, t ErrorType) bool {
	got, ok := typeOf(err)
	return ok && got == t
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return isType(err, TypeValidation) }

// IsExternal checks if an error is an external call error
func IsExternal(err error) bool { return isType(err, TypeExternal) }

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool { return isType(err, TypeConfiguration) }

// IsConsistency checks if an error is a consistency error
func IsConsistency(err error) bool { return isType(err, TypeConsistency) }

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool { return isType(err, TypeNotFound) }

// StageOf returns the outermost stage recorded on err, or "".
func StageOf(err error) string {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Stage != "" {
			return appErr.Stage
		}
		err = appErr.Err
	}
	return ""
}

// AtStage returns err tagged with stage without modifying err. Errors without
// a type become external errors. A stage already recorded on err is kept.
func AtStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	t, ok := typeOf(err)
	if !ok {
		return External(err, stage+" failed").WithStage(stage)
	}
	if StageOf(err) != "" {
		return err
	}
	return &AppError{Err: err, Type: t, Stage: stage}
}

// Message returns err.Error(), or "" for a nil error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogError logs err with its type, stage and fields in a single line.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		logger.Error(err.Error())
		return
	}
	args := []any{"type", string(appErr.Type)}
	if stage := StageOf(err); stage != "" {
		args = append(args, "stage", stage)
	}
	msg := appErr.Message
	if msg == "" {
		msg = err.Error()
	} else if appErr.Err != nil {
		args = append(args, "cause", appErr.Err.Error())
	}
	for e := error(appErr); errors.As(e, &appErr); e = appErr.Err {
		for k, v := range appErr.Fields {
			args = append(args, k, v)
		}
	}
	logger.Error(msg, args...)
}
