package errors

import (
	"fmt"
	"strings"
)

// Stage indicates where in the invocation pipeline the error occurred.
type Stage string

const (
	StageResolve  Stage = "resolve"  // artifact resolution
	StageValidate Stage = "validate" // argument validation
	StageAcquire  Stage = "acquire"  // instance acquisition
	StageExecute  Stage = "execute"  // sandbox execution
	StageConvert  Stage = "convert"  // result conversion
	StageConfig   Stage = "config"   // configuration loading
	StageServe    Stage = "serve"    // transport front-end
)

// Kind categorizes the error.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindIntegrity       Kind = "integrity"
	KindInvalidArtifact Kind = "invalid_artifact"
	KindValidation      Kind = "validation"
	KindTypeMismatch    Kind = "type_mismatch"
	KindFieldMissing    Kind = "field_missing"
	KindFieldUnknown    Kind = "field_unknown"
	KindTimeout         Kind = "timeout"
	KindExecutionFault  Kind = "execution_fault"
	KindComponentError  Kind = "component_error"
	KindInternal        Kind = "internal"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Value  any
	Cause  error
	Stage  Stage
	Kind   Kind
	Detail string
	Path   []string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Stage))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two Errors match when
// their Stage and Kind agree; an empty Stage on the target acts as a
// wildcard so callers can match on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Stage != "" && e.Stage != t.Stage {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindInternal if err is not a
// structured engine error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(stage Stage, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Stage: stage,
			Kind:  kind,
		},
	}
}

// Path sets the value path (parameter name, record field, list index).
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value.
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotFound creates a not-found error.
func NotFound(stage Stage, what, name string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// TypeMismatch creates a type mismatch error naming the expected schema
// type and what the caller actually supplied.
func TypeMismatch(path []string, want, got string) *Error {
	return &Error{
		Stage:  StageValidate,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("expected %s, got %s", want, got),
	}
}

// OutOfRange creates a type mismatch error for numeric values outside
// the declared width.
func OutOfRange(path []string, value any, target string) *Error {
	return &Error{
		Stage:  StageValidate,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("value %v out of range for %s", value, target),
		Value:  value,
	}
}

// FieldMissing creates a missing field error.
func FieldMissing(path []string, fieldName string) *Error {
	return &Error{
		Stage:  StageValidate,
		Kind:   KindFieldMissing,
		Path:   path,
		Detail: fmt.Sprintf("required field %q not found", fieldName),
	}
}

// FieldUnknown creates an unknown field error.
func FieldUnknown(path []string, fieldName string) *Error {
	return &Error{
		Stage:  StageValidate,
		Kind:   KindFieldUnknown,
		Path:   path,
		Detail: fmt.Sprintf("unknown field %q", fieldName),
	}
}

// Integrity creates a digest mismatch error.
func Integrity(reference, want, got string) *Error {
	return &Error{
		Stage:  StageResolve,
		Kind:   KindIntegrity,
		Detail: fmt.Sprintf("digest mismatch for %s: pinned %s, fetched %s", reference, want, got),
	}
}

// InvalidArtifact creates an unparsable-artifact error.
func InvalidArtifact(detail string, cause error) *Error {
	return &Error{
		Stage:  StageResolve,
		Kind:   KindInvalidArtifact,
		Detail: detail,
		Cause:  cause,
	}
}

// Timeout creates a deadline-exceeded error for the given stage.
func Timeout(stage Stage, detail string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   KindTimeout,
		Detail: detail,
	}
}

// ExecutionFault creates a sandbox fault error.
func ExecutionFault(cause error) *Error {
	return &Error{
		Stage: StageExecute,
		Kind:  KindExecutionFault,
		Cause: cause,
	}
}

// ComponentError wraps a failure signaled by the component's own logic.
// The message is passed through verbatim.
func ComponentError(message string, payload any) *Error {
	return &Error{
		Stage:  StageExecute,
		Kind:   KindComponentError,
		Detail: message,
		Value:  payload,
	}
}

// Internal creates an engine-invariant-violation error. Always a bug.
func Internal(detail string, cause error) *Error {
	return &Error{
		Stage:  StageConvert,
		Kind:   KindInternal,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with stage and kind context.
func Wrap(stage Stage, kind Kind, cause error, detail string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
