// Package ir holds the value model shared by every funf package.
//
// Configuration documents, request extras, and emitted records are all
// expressed as Value trees. The package imports nothing internal so every
// other package can depend on it.
//
// Key constraints:
//   - No floats. Numbers are int64; a float in a document is a
//     configuration error. This keeps canonical serialization exact.
//   - No null. Absent keys express "unset".
//   - Canonical JSON (RFC 8785) is the only serialization used for
//     identity: CanonicalConfig, SourceKey and Digest all go through it.
package ir
