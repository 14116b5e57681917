// Package protocol defines the wire contract between the relay session
// layer and the assistant backend: a JSON envelope tagged with a frame
// kind, the typed payloads carried by each kind, and the operation batch
// format used for side-effecting map commands.
//
// Frames are immutable once decoded. The kind strings and payload field
// names are a backend contract and must not be changed.
package protocol
