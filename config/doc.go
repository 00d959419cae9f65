// Package config loads the YAML configuration that declares component
// profiles: which components to expose, where their binaries come
// from, and what capabilities each sandbox is granted.
package config
