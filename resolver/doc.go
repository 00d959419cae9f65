// Package resolver maps component names onto verified artifacts.
//
// A component is declared with a local path or a remote registry
// reference. The resolver reads local files directly and routes remote
// references through a Fetcher, backed by a content-addressed on-disk
// cache keyed by sha256 digest. Cache entries are write-once; a remote
// reference that has been fetched before never drifts to new remote
// bytes. References pinned with "@sha256:..." are verified against the
// pin before anything is cached.
//
// Every resolved binary carries its interface descriptor in a custom
// section, either as a JSON descriptor ("wasmic:schema") or as WIT
// signature text ("wasmic:wit"). Resolution parses and validates the
// descriptor once; the resulting Artifact is immutable and shared.
package resolver
