// Package pool bounds and recycles sandbox instances per component.
//
// Each compiled component gets its own Pool with a hard instance
// ceiling. Acquire hands out an idle instance when one exists, creates
// one while under the ceiling, and otherwise blocks until a lease
// returns or the caller's context ends. Faulted instances are destroyed
// on release, never recycled, and a background sweeper retires
// instances that have been idle past the quiet period.
package pool
