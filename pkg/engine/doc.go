// Package engine implements the streaming-turn protocol on top of the
// connection layer: it accumulates stream fragments into finalized
// assistant replies, routes map operations and data queries to their
// collaborators, maintains the transient status and task side channels,
// and runs the cancellation lifecycle with a local failsafe.
//
// The engine shares the manager's single-loop concurrency model: every
// handler and every piece of turn state lives on the manager loop, so
// no additional locking exists anywhere in the package. Public methods
// dispatch onto the loop and return immediately.
package engine
