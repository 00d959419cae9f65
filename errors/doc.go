// Package errors provides structured error types for the wasmic engine.
//
// Errors are categorized by Stage (where in the invocation pipeline the
// error occurred) and Kind (error category). The Error type includes the
// value path and a cause chain so the transport layer can render a
// meaningful response.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.StageValidate, errors.KindTypeMismatch).
//		Path("url").
//		Detail("expected string, got number").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeMismatch([]string{"url"}, "string", "number")
//	err := errors.NotFound(errors.StageResolve, "component", "fetch")
//
// All errors implement the standard error interface and support
// errors.Is/As.
package errors
