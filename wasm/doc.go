// Package wasm provides the minimal WebAssembly binary primitives the
// engine needs: preamble validation, LEB128, and custom section
// extraction. Interface metadata for a component rides in a custom
// section, so this is the only binary-level decoding the engine does.
package wasm
