// Package schema models component interfaces: the closed set of
// semantic types, exported function signatures, and the descriptors
// that bind them together.
//
// Descriptors arrive embedded in component binaries, either as a JSON
// document (the "wasmic:schema" custom section) or as WIT-style
// signature text (the "wasmic:wit" custom section). Both parse into the
// same Descriptor form, validated for structural soundness at
// resolution time.
//
// Describe and friends render descriptors as JSON-Schema-shaped maps so
// transports can advertise callable functions without knowing the
// component's native type system.
package schema
