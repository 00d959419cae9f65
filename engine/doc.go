// Package engine executes component functions inside wazero sandboxes.
//
// An Engine owns one wazero runtime with WASI preview1 instantiated.
// Compile turns a resolved artifact into a Module; Instantiate creates
// isolated Instances whose capability grants (env, mounts, stdio) come
// from the component's SandboxConfig. Instance.Call lowers native
// argument values through the canonical ABI (flat core values up to 16
// parameter slots, linear-memory spill beyond that, return pointer for
// compound results), invokes the export, and lifts the result back to
// native values. Calls on one instance are serialized; traps and
// deadline cancellations mark the instance faulted so it is never
// reused.
package engine
