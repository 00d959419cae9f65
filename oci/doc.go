// Package oci pulls component binaries from OCI registries. Only
// anonymous pulls are supported: the client answers Bearer challenges
// with an unauthenticated token request, which is what public
// registries like ghcr.io expect for public artifacts. The component
// is taken from the manifest layer carrying a wasm media type and its
// digest is verified before being handed to the resolver.
package oci
