// Package translate converts between dynamic values and native values,
// directed by semantic types.
//
// Dynamic values are JSON-decoded any trees: nil, bool, numbers
// (float64 or json.Number), string, []any, map[string]any. Native
// values carry exact widths: int8 through uint64, float32/float64,
// string, []any lists, map[string]any records, and the Variant and
// Result wrappers for tagged values.
//
// ToNative validates: integers are range-checked against their declared
// width, floats must be finite, records must carry exactly the declared
// fields (the extra-field policy is configurable), variants exactly one
// recognized case. FromNative is the mirror and treats a mismatched
// native value as an engine bug, not caller error.
//
// Nested options collapse through null: option<option<T>> cannot
// distinguish "some(none)" from "none" in the dynamic form. Components
// whose interfaces depend on that distinction should wrap the inner
// option in a record.
package translate
