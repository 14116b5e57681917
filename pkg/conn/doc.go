// Package conn owns the single physical WebSocket channel of the relay
// session layer: dialing, intentional and abnormal closes, bounded
// exponential reconnection, idle-triggered heartbeats, and fan-out to
// any number of registered subscribers.
//
// A Manager runs one internal loop goroutine. Every callback (socket
// events, timer fires, and functions passed to Dispatch) executes on
// that loop, so no two handlers for the same Manager ever run
// concurrently and a handler always returns before the next event is
// processed. Methods documented as loop-only must be called from a
// handler or from a function passed to Dispatch.
package conn
