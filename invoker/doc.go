// Package invoker drives one call through the whole pipeline: resolve
// the component, validate and convert the JSON arguments against its
// declared signature, lease a sandbox from the component's pool,
// execute, and convert the native result back to a JSON-ready value.
//
// Each stage tags its failures, so a caller can tell a name that does
// not resolve from an argument that does not validate from a guest
// that trapped. Deadlines are honored at every blocking point and a
// leased sandbox is always returned to its pool.
package invoker
